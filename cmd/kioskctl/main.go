// Command kioskctl manages accounts and tokens in the kiosk's local SQLite store.
//
//	kioskctl -config configs/config.yaml add-user -id u1 -name Ana
//	kioskctl -config configs/config.yaml link -uid 04:A1:B2:C3 -user u1
//	kioskctl -config configs/config.yaml show -uid 04A1B2C3
//	kioskctl -config configs/config.yaml containers
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rewired-gh/recyclekiosk/internal/config"
	"github.com/rewired-gh/recyclekiosk/internal/models"
	"github.com/rewired-gh/recyclekiosk/internal/storage"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func usage() {
	fmt.Fprintf(os.Stderr, "usage: kioskctl [-config path] <add-user|link|show|containers|today> [flags]\n")
	os.Exit(2)
}

func main() {
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := run(ctx, store, flag.Arg(0), flag.Args()[1:]); err != nil {
		store.Close()
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

func run(ctx context.Context, store *storage.Storage, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	switch cmd {
	case "add-user":
		id := fs.String("id", "", "user id")
		name := fs.String("name", "", "display name")
		fs.Parse(args) //nolint:errcheck
		if err := store.UpsertAccount(ctx, *id, *name); err != nil {
			return err
		}
		fmt.Printf("account %s saved\n", *id)

	case "link":
		uid := fs.String("uid", "", "token uid")
		user := fs.String("user", "", "user id")
		fs.Parse(args) //nolint:errcheck
		if _, err := store.GetAccount(ctx, *user); err != nil {
			return err
		}
		if err := store.LinkToken(ctx, *uid, *user); err != nil {
			return err
		}
		fmt.Printf("token %s linked to %s\n", models.NormalizeUID(*uid), *user)

	case "show":
		uid := fs.String("uid", "", "token uid")
		user := fs.String("user", "", "user id")
		fs.Parse(args) //nolint:errcheck
		if *uid != "" {
			acct, err := store.Resolve(ctx, *uid)
			if err != nil {
				return err
			}
			if acct == nil {
				fmt.Printf("token %s is not registered\n", models.NormalizeUID(*uid))
				return nil
			}
			*user = acct.UserID
		}
		acct, err := store.GetAccount(ctx, *user)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s): %d points\n", acct.UserID, acct.Name, acct.Points)

	case "containers":
		list, err := store.ListContainers(ctx)
		if err != nil {
			return err
		}
		for _, c := range list {
			fmt.Printf("%-12s %5.1f%% %-8s %s\n", c.ContainerID, c.FillPercent, c.State, c.LastUpdated.Format(time.RFC3339))
		}

	case "today":
		now := time.Now()
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		count, points, err := store.RewardTotals(ctx, midnight)
		if err != nil {
			return err
		}
		fmt.Printf("%d items, %d points since %s\n", count, points, midnight.Format("2006-01-02"))

	default:
		usage()
	}
	return nil
}
