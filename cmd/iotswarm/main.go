// Command iotswarm wires a DataSource, Publisher and PayloadAdapter
// into a Swarm and runs it to completion. It is deliberately thin: the
// grouped command tree (per-data-source subcommands, session
// management, list-sites) is a separate front-end that is expected to
// call into these packages directly rather than through this binary.
/*
 * Copyright (c) 2024-2025, iotswarm authors. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/nerc-ceh/iotswarm/device"
	"github.com/nerc-ceh/iotswarm/internal/nlog"
	"github.com/nerc-ceh/iotswarm/payload"
	"github.com/nerc-ceh/iotswarm/publish"
	"github.com/nerc-ceh/iotswarm/source"
	"github.com/nerc-ceh/iotswarm/swarm"
)

func main() {
	var (
		csvPath           = flag.String("csv", "", "path to a CSV file to loop over (takes precedence over -sqlite)")
		sqlitePath        = flag.String("sqlite", "", "path to an embedded sqlite database to loop over")
		table             = flag.String("table", "", "Table enum value; required with -sqlite")
		deviceIDs         = flag.String("devices", "", "comma-separated device IDs, one Device per ID")
		maxCycles         = flag.Uint("max-cycles", 0, "cycles per device before stopping; 0 runs forever")
		sleepSeconds      = flag.Uint("sleep", 10, "seconds slept between cycles")
		delayStart        = flag.Bool("delay-start", false, "stagger the first cycle randomly within [0,sleep]")
		noSendProbability = flag.Int("no-send-probability", 0, "0-100 chance a cycle is skipped without publishing")
		swarmName         = flag.String("swarm-name", "", "swarm identity under the snapshot directory; empty generates one")
		dryRun            = flag.Bool("dry-run", false, "use the mock publisher instead of MQTT")
		mqttEndpoint      = flag.String("mqtt-endpoint", "", "MQTT broker endpoint; required unless -dry-run")
		mqttCert          = flag.String("mqtt-cert", "", "client certificate path")
		mqttKey           = flag.String("mqtt-key", "", "client private key path")
		mqttCA            = flag.String("mqtt-ca", "", "CA certificate path")
	)
	flag.Parse()

	if err := run(runArgs{
		csvPath: *csvPath, sqlitePath: *sqlitePath, table: *table,
		deviceIDs: *deviceIDs, maxCycles: *maxCycles, sleepSeconds: *sleepSeconds,
		delayStart: *delayStart, noSendProbability: *noSendProbability,
		swarmName: *swarmName, dryRun: *dryRun,
		mqttEndpoint: *mqttEndpoint, mqttCert: *mqttCert, mqttKey: *mqttKey, mqttCA: *mqttCA,
	}); err != nil {
		nlog.Errorf("iotswarm: %v", err)
		os.Exit(1)
	}
}

type runArgs struct {
	csvPath, sqlitePath, table, deviceIDs, swarmName string
	mqttEndpoint, mqttCert, mqttKey, mqttCA          string
	maxCycles, sleepSeconds                          uint
	noSendProbability                                int
	delayStart, dryRun                                bool
}

func run(a runArgs) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ds, sourceKind, sourcePath, err := buildSource(a)
	if err != nil {
		return err
	}

	pub, err := buildPublisher(ctx, a)
	if err != nil {
		return err
	}

	ids := splitDeviceIDs(a.deviceIDs)
	if len(ids) == 0 {
		return errRequired("devices")
	}

	members := make([]*swarm.Member, len(ids))
	for i, id := range ids {
		d, err := device.New(device.Config{
			DeviceID:          id,
			SleepSeconds:      a.sleepSeconds,
			MaxCycles:         a.maxCycles,
			DelayStart:        a.delayStart,
			NoSendProbability: a.noSendProbability,
			Table:             source.Table(a.table),
		}, ds, pub, payload.CR1000X{DeviceID: id, TableName: a.table})
		if err != nil {
			return err
		}
		members[i] = &swarm.Member{Device: d, SourceKind: sourceKind, SourcePath: sourcePath}
	}

	s, err := swarm.New(a.swarmName, "", members)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

func buildSource(a runArgs) (ds source.DataSource, kind, path string, err error) {
	switch {
	case a.csvPath != "":
		csvSrc, err := source.NewLoopingCSV(a.csvPath)
		if err != nil {
			return nil, "", "", err
		}
		return csvSrc, "csv", a.csvPath, nil
	case a.sqlitePath != "":
		sqlSrc, err := source.NewLoopingSQL(a.sqlitePath)
		if err != nil {
			return nil, "", "", err
		}
		return sqlSrc, "sql", a.sqlitePath, nil
	default:
		return source.Mock{}, "mock", "", nil
	}
}

func buildPublisher(ctx context.Context, a runArgs) (publish.Publisher, error) {
	if a.dryRun {
		return publish.Mock{}, nil
	}
	if a.mqttEndpoint == "" {
		return nil, errRequired("mqtt-endpoint (or -dry-run)")
	}

	m, err := publish.NewMQTT(publish.MQTTConfig{
		Endpoint:   a.mqttEndpoint,
		CertPath:   a.mqttCert,
		KeyPath:    a.mqttKey,
		CACertPath: a.mqttCA,
		ClientID:   "iotswarm-" + randomSuffix(),
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func splitDeviceIDs(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func randomSuffix() string {
	// Good enough uniqueness for a client ID; collisions just bounce a
	// connection rather than corrupting any state.
	return os.Getenv("HOSTNAME") + "-" + strconv.Itoa(os.Getpid())
}

func errRequired(flagName string) error {
	return errMissingFlag{flagName}
}

type errMissingFlag struct{ name string }

func (e errMissingFlag) Error() string { return "missing required flag -" + e.name }
