package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kanban/board-client/cache"
	"kanban/board-client/restclient"
	"kanban/board-client/session"
	"kanban/board-client/socket"
)

var rootCmd = &cobra.Command{
	Use:   "board-watch",
	Short: "Follow boards in realtime and log every cache change",
	Long: `Connects to the board API, joins the rooms of the given boards (or of every
board you can see) and logs each change the realtime reconciler applies.`,
	RunE: runWatch,
}

func init() {
	rootCmd.Flags().String("config", "", "YAML profile with api, socket, token and boards")
	rootCmd.Flags().String("api", "", "REST base URL, e.g. http://localhost:8080")
	rootCmd.Flags().String("url", "", "websocket URL (defaults to <api>/ws)")
	rootCmd.Flags().StringSlice("board", nil, "board ID to open; repeat for more (default: watch the boards index)")
	rootCmd.Flags().Bool("debug", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveProfile(cmd *cobra.Command) (profile, error) {
	path, _ := cmd.Flags().GetString("config")
	p, err := loadProfile(path)
	if err != nil {
		return p, err
	}
	if v, _ := cmd.Flags().GetString("api"); v != "" {
		p.API = v
	}
	if v, _ := cmd.Flags().GetString("url"); v != "" {
		p.Socket = v
	}
	if v, _ := cmd.Flags().GetStringSlice("board"); len(v) > 0 {
		p.Boards = v
	}
	if v, _ := cmd.Flags().GetBool("debug"); v {
		p.Debug = true
	}
	if tok := os.Getenv("KANBAN_TOKEN"); tok != "" {
		p.Token = tok
	}
	return p, p.validate()
}

func runWatch(cmd *cobra.Command, _ []string) error {
	p, err := resolveProfile(cmd)
	if err != nil {
		return err
	}
	logger := log.StandardLogger()
	if p.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn := socket.New(socket.Config{
		URL:         p.socketURL(),
		Token:       p.Token,
		MaxAttempts: p.MaxAttempts,
		Backoff:     p.Backoff,
		MaxBackoff:  p.MaxBackoff,
		Logger:      logger,
	})
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer conn.Close()

	client := session.NewClient(session.Deps{
		API:    restclient.New(p.API, p.Token),
		Socket: conn,
		Logger: logger,
	})
	defer client.Close()

	stop := client.Store().Subscribe(func(ch cache.Change) {
		logger.WithFields(log.Fields{"key": string(ch.Key), "kind": ch.Kind.String()}).Info("cache changed")
	})
	defer stop()

	closeCtx := context.WithoutCancel(ctx)
	if len(p.Boards) == 0 {
		w, err := client.WatchBoards(ctx)
		if err != nil {
			return err
		}
		defer w.Close(closeCtx)
		logger.WithField("boards", len(w.Boards())).Info("watching boards index")
	} else {
		for _, id := range p.Boards {
			b, err := client.Open(ctx, id)
			if err != nil {
				return err
			}
			defer b.Close(closeCtx)
			logger.WithField("board_id", id).Info("board opened")
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-conn.Done():
		if err := conn.Err(); err != nil {
			logger.WithError(err).Error("connection lost")
			return err
		}
	}
	return nil
}
