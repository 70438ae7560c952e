// Package models defines the core domain entities: materials, detections, rewards and containers.
package models

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// MaterialKind is a classifier label the kiosk accepts for recycling.
// The vocabulary comes from configuration and is never inferred.
type MaterialKind string

// Rect is a bounding box in pixel coordinates (top-left and bottom-right corners).
type Rect struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Detection is a single labeled box returned by the classifier for one frame.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Rect    `json:"box"`
}

// Catalog maps each accepted material to the points it is worth.
type Catalog map[MaterialKind]int

// NewCatalog builds a catalog from a label -> points table. Labels are lower-cased.
func NewCatalog(points map[string]int) (Catalog, error) {
	if len(points) == 0 {
		return nil, errors.New("material catalog must not be empty")
	}
	c := make(Catalog, len(points))
	for label, p := range points {
		label = strings.ToLower(strings.TrimSpace(label))
		if label == "" {
			return nil, errors.New("material label must not be empty")
		}
		if p <= 0 {
			return nil, errors.New("material points must be positive: " + label)
		}
		c[MaterialKind(label)] = p
	}
	return c, nil
}

// Lookup returns the material for a classifier label, if it is part of the vocabulary.
func (c Catalog) Lookup(label string) (MaterialKind, bool) {
	m := MaterialKind(strings.ToLower(label))
	_, ok := c[m]
	return m, ok
}

// PointsFor returns the configured reward for m, or 0 for unknown materials.
func (c Catalog) PointsFor(m MaterialKind) int {
	return c[m]
}

// Kinds returns the vocabulary sorted by name.
func (c Catalog) Kinds() []MaterialKind {
	kinds := make([]MaterialKind, 0, len(c))
	for k := range c {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// SelectWinner picks the single qualifying detection for a frame: only labels in the
// catalog with confidence >= minConfidence count, the highest confidence wins and ties
// go to the earliest detection in scan order.
func (c Catalog) SelectWinner(detections []Detection, minConfidence float64) (MaterialKind, *Detection, bool) {
	var (
		best    *Detection
		bestIdx = -1
	)
	for i := range detections {
		d := &detections[i]
		if d.Confidence < minConfidence {
			continue
		}
		if _, ok := c.Lookup(d.Label); !ok {
			continue
		}
		if best == nil || d.Confidence > best.Confidence {
			best = d
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return "", nil, false
	}
	m, _ := c.Lookup(best.Label)
	return m, best, true
}

var uidSeparators = strings.NewReplacer(":", "", "-", "", " ", "")

// NormalizeUID upper-cases a token uid and drops the separators readers like to add, so
// index lookups match however the reader formats hex.
func NormalizeUID(uid string) string {
	return strings.ToUpper(uidSeparators.Replace(strings.TrimSpace(uid)))
}

// Account is a registered kiosk user.
type Account struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// RewardEvent records one successful crediting transaction.
type RewardEvent struct {
	ID            string       `json:"id"`
	Material      MaterialKind `json:"material"`
	UserID        string       `json:"user_id"`
	UserName      string       `json:"user_name,omitempty"`
	PointsAwarded int          `json:"points_awarded"`
	BalanceBefore int          `json:"balance_before"`
	BalanceAfter  int          `json:"balance_after"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Validate checks reward field constraints.
func (r *RewardEvent) Validate() error {
	if r.ID == "" {
		return errors.New("reward ID must not be empty")
	}
	if r.UserID == "" {
		return errors.New("reward user ID must not be empty")
	}
	if r.Material == "" {
		return errors.New("reward material must not be empty")
	}
	if r.PointsAwarded <= 0 {
		return errors.New("points awarded must be positive")
	}
	if r.BalanceAfter != r.BalanceBefore+r.PointsAwarded {
		return errors.New("balance after must equal balance before plus points awarded")
	}
	return nil
}
