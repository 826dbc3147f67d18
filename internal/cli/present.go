package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"attendease/proximity/internal/auth"
	"attendease/proximity/internal/broadcast"
	"attendease/proximity/internal/client"
	"attendease/proximity/internal/config"
	"attendease/proximity/internal/radio"
	"attendease/proximity/internal/radio/natsio"
)

var presentCmd = &cobra.Command{
	Use:   "present",
	Short: "Run the presenter agent: start a session and broadcast rotating tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		course, _ := cmd.Flags().GetString("course")
		duration, _ := cmd.Flags().GetInt64("duration")
		userID, _ := cmd.Flags().GetString("user")
		bearer, _ := cmd.Flags().GetString("token")
		if course == "" {
			return fmt.Errorf("--course is required")
		}
		return runPresent(course, duration, userID, bearer)
	},
}

func init() {
	presentCmd.Flags().String("course", "", "course the session belongs to")
	presentCmd.Flags().Int64("duration", 0, "planned duration in minutes (0 uses the server default)")
	presentCmd.Flags().String("user", "presenter-dev", "presenter identity for dev tokens")
	presentCmd.Flags().String("token", "", "bearer token (minted locally when empty)")
	rootCmd.AddCommand(presentCmd)
}

func runPresent(course string, durationMinutes int64, userID, bearer string) error {
	cfg := config.Load()
	log := logrus.WithField("component", "presenter-agent")

	if bearer == "" {
		minted, err := auth.NewToken([]byte(cfg.JWTSecret), cfg.JWTIssuer, userID, "presenter", 12*time.Hour)
		if err != nil {
			return fmt.Errorf("mint dev token: %w", err)
		}
		bearer = minted
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter, nc, err := connectRadio(cfg)
	if err != nil {
		return err
	}
	defer nc.Close()

	api := client.New(cfg.ServerURL, bearer)
	session, err := api.StartSession(ctx, course, durationMinutes)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	log.WithFields(logrus.Fields{
		"session_id": session.ID,
		"course":     session.Course,
		"duration_m": session.DurationMinutes,
	}).Info("session started")

	broadcaster := broadcast.New(adapter, api, cfg.RotationInterval)
	if err := broadcaster.Start(ctx, session.ID); err != nil {
		// A session nobody can discover is dead for attendance; close it
		// rather than leave it blocking the course.
		if _, endErr := api.EndSession(context.Background(), session.ID); endErr != nil {
			log.WithError(endErr).Warn("end session after broadcast failure")
		}
		return fmt.Errorf("start broadcasting: %w", err)
	}

	log.Info("broadcasting; press Ctrl+C to end the session")
	<-ctx.Done()

	broadcaster.Stop()
	ended, err := api.EndSession(context.Background(), session.ID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	log.WithFields(logrus.Fields{
		"session_id": ended.ID,
		"marked":     ended.MarkedCount,
	}).Info("session ended")
	return nil
}

// connectRadio attaches the agent to the simulated shared medium. Every
// agent on the same NATS room sees the others' advertisements.
func connectRadio(cfg config.Config) (radio.Adapter, *nats.Conn, error) {
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	address := uuid.New().String()
	return natsio.NewAdapter(nc, cfg.AirspaceRoom, address), nc, nil
}
