// Command datapipe-migrate bootstraps the BoltDB buckets a datapipe
// process expects to find on first run. It is explicitly NOT a
// jobs-collection migration: this repo has no jobs table of any kind (see
// SPEC_FULL.md Design Note 2) — the dataset's status field is the only
// queue there has ever been. This tool exists purely so an operator can
// pre-create the on-disk file (and take a backup of an existing one)
// without starting the full pipeline process.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "./data", "Pipeline data directory")
	dryRun     = flag.Bool("dry-run", false, "Report what would be created without making changes")
	backupPath = flag.String("backup", "", "Backup path for an existing database before bootstrapping (default: <data-dir>/datasets.db.backup)")
)

var buckets = [][]byte{
	[]byte("datasets"),
	[]byte("idx_slug"),
	[]byte("idx_short_id"),
	[]byte("idx_job_id"),
	[]byte("idx_status"),
}

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("datapipe bucket bootstrap tool")
	log.Println("===============================")
	log.Println("this tool does not migrate a legacy jobs collection; none exists")

	dbPath := filepath.Join(*dataDir, "datasets.db")
	existing := true
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		existing = false
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	if existing && !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
		log.Println("backup created successfully")
	}

	if *dryRun {
		if existing {
			log.Println("[DRY RUN] would verify existing buckets:")
		} else {
			log.Println("[DRY RUN] would create new database with buckets:")
		}
		for _, b := range buckets {
			log.Printf("  - %s", b)
		}
		return
	}

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}

	log.Println("bootstrap completed successfully")
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
