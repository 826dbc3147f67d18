package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"attendease/proximity/internal/auth"
	"attendease/proximity/internal/client"
	"attendease/proximity/internal/config"
	"attendease/proximity/internal/scan"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run the participant agent: scan for a session's token and mark attendance",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		userID, _ := cmd.Flags().GetString("user")
		bearer, _ := cmd.Flags().GetString("token")
		return runScan(sessionID, userID, bearer)
	},
}

func init() {
	scanCmd.Flags().String("session", "", "session to verify against (defaults to the single active one)")
	scanCmd.Flags().String("user", "participant-dev", "participant identity for dev tokens")
	scanCmd.Flags().String("token", "", "bearer token (minted locally when empty)")
	rootCmd.AddCommand(scanCmd)
}

func runScan(sessionID, userID, bearer string) error {
	cfg := config.Load()
	log := logrus.WithField("component", "participant-agent")

	if bearer == "" {
		minted, err := auth.NewToken([]byte(cfg.JWTSecret), cfg.JWTIssuer, userID, "participant", 12*time.Hour)
		if err != nil {
			return fmt.Errorf("mint dev token: %w", err)
		}
		bearer = minted
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.New(cfg.ServerURL, bearer)
	if sessionID == "" {
		sessions, err := api.ActiveSessions(ctx)
		if err != nil {
			return fmt.Errorf("list active sessions: %w", err)
		}
		if len(sessions) == 0 {
			return fmt.Errorf("no active session to verify against")
		}
		if len(sessions) > 1 {
			return fmt.Errorf("%d active sessions, disambiguate with --session", len(sessions))
		}
		sessionID = sessions[0].ID
	}
	log.WithField("session_id", sessionID).Info("scanning for session token")

	adapter, nc, err := connectRadio(cfg)
	if err != nil {
		return err
	}
	defer nc.Close()

	scanner := scan.New(adapter)
	verdict, err := scanner.Poll(ctx, sessionID, scan.DefaultMatchers(api), cfg.ScanInterval, cfg.DiscoveryTimeout)
	if err != nil {
		return fmt.Errorf("scan aborted: %w", err)
	}
	if !verdict.Found {
		switch verdict.Reason {
		case scan.ReasonRadioOff:
			return fmt.Errorf("radio is off; enable it and retry")
		case scan.ReasonPermissionDenied:
			return fmt.Errorf("radio permission denied; grant access and retry")
		default:
			return fmt.Errorf("no valid session token observed nearby")
		}
	}
	log.WithFields(logrus.Fields{
		"matched_via": verdict.MatchedVia,
		"observed_id": verdict.ObservedID,
	}).Info("session token observed")

	record, err := api.MarkAttendance(ctx, sessionID, verdict.Token)
	if err != nil {
		return fmt.Errorf("mark attendance: %w", err)
	}
	log.WithFields(logrus.Fields{
		"participant": record.Participant,
		"method":      record.Method,
	}).Info("attendance marked")
	return nil
}
