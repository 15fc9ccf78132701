package main

import (
	"context"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"kanban/board-api/storage"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}

	tables := storage.Tables{
		Boards:      env("BOARDS_TABLE", "Boards"),
		Lists:       env("LISTS_TABLE", "Lists"),
		Tasks:       env("TASKS_TABLE", "Tasks"),
		Users:       env("USERS_TABLE", "Users"),
		Memberships: env("MEMBERSHIPS_TABLE", "Memberships"),
	}
	if err := storage.EnsureTables(context.Background(), connStr, tables); err != nil {
		log.Fatalf("create tables: %v", err)
	}
	log.WithField("tables", tables.Names()).Info("storage init complete")
}
