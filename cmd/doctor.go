package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/gateway"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, configuration and gateway health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("agentgate doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Storage:")
	if cfg.Storage.PostgresDSN != "" {
		fmt.Printf("    %-10s postgres\n", "Backend:")
		db, dbErr := sql.Open("pgx", cfg.Storage.PostgresDSN)
		if dbErr == nil {
			dbErr = db.Ping()
			db.Close()
		}
		if dbErr != nil {
			fmt.Printf("    %-10s CONNECT FAILED (%s)\n", "Status:", dbErr)
		} else {
			fmt.Printf("    %-10s OK\n", "Status:")
		}
	} else {
		fmt.Printf("    %-10s sqlite (%s)\n", "Backend:", cfg.Storage.SQLitePath)
	}

	// A remote audit only works against a running gateway; a dial
	// failure here is a finding, not an error.
	fmt.Println()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, info, err := dialGateway(ctx, cfg, 0)
	if err != nil {
		fmt.Printf("  Gateway:  not reachable (%s)\n", err)
		return
	}
	defer client.close()
	fmt.Printf("  Gateway:  %s (last_seq %d)\n", info.InstanceID, info.LastSeq)

	raw, err := client.call(ctx, protocol.MethodDoctorAudit, nil)
	if err != nil {
		fmt.Printf("  Audit failed: %s\n", err)
		return
	}
	var audit struct {
		Findings []gateway.Finding `json:"findings"`
	}
	if err := json.Unmarshal(raw, &audit); err != nil {
		fmt.Printf("  Audit decode failed: %s\n", err)
		return
	}
	fmt.Println()
	fmt.Println("  Audit:")
	for _, f := range audit.Findings {
		fmt.Printf("    [%-8s] %-12s %s\n", f.Severity, f.Check, f.Detail)
	}
}
