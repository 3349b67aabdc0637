// nvme-probe brings a simulated NVMe controller through the full
// init state machine, prints every state transition, allocates an I/O
// queue pair, and pumps admin completions until interrupted. It is the
// operational smoke test for the controller core; a real deployment
// swaps the simulated transport for a PCIe or fabrics one.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nvme "github.com/nvme-go/nvmectrlr"
	"github.com/nvme-go/nvmectrlr/internal/logging"
	"github.com/nvme-go/nvmectrlr/simtransport"
)

func main() {
	var (
		numQueues   = flag.Int("queues", 4, "Number of I/O queue pairs to request")
		numNS       = flag.Int("ns", 2, "Number of active namespaces the simulated device reports")
		keepAliveMs = flag.Int("keepalive-ms", 5000, "Keep-alive timeout in ms (0 disables)")
		ana         = flag.Bool("ana", true, "Simulate an ANA-reporting controller")
		verbose     = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	// Set up logging
	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	// Build the simulated device personality
	cfg := simtransport.Config{
		VID:         0x1B36,
		AERL:        3,
		NN:          uint32(*numNS),
		MaxIOQueues: uint16(*numQueues),
		OAES:        1<<8 | 1<<11, // namespace-attribute and ANA-change notices
	}
	for i := 1; i <= *numNS; i++ {
		cfg.ActiveNSIDs = append(cfg.ActiveNSIDs, uint32(i))
	}
	if *ana {
		cfg.CMIC = 1 << 3
		cfg.NANAGRPID = 1
		cfg.ANAGroups = []simtransport.ANAGroup{
			{GroupID: 1, State: 1 /* optimized */, NSIDs: cfg.ActiveNSIDs},
		}
	}
	device := simtransport.New(cfg)

	opts := nvme.DefaultOptions()
	opts.NumIOQueues = *numQueues
	opts.KeepAliveTimeoutMs = *keepAliveMs

	trid := nvme.Trid{Type: "sim", Address: device.PrintableAddress()}
	ctrlr := nvme.NewController(device, trid, nvme.PCIID{VendorID: cfg.VID}, opts)

	logger.Info("bringing up controller", "trid", trid.Address, "queues", *numQueues, "namespaces", *numNS)

	start := time.Now()
	if err := ctrlr.WaitUntilReady(); err != nil {
		logger.Error("controller bring-up failed", "error", err, "state", ctrlr.State().String())
		os.Exit(1)
	}
	logger.Info("controller ready", "elapsed", time.Since(start).String())

	cdata := ctrlr.Data()
	fmt.Printf("Controller ready: %s\n", trid.Address)
	fmt.Printf("  VID: %#04x  AERL: %d  NN: %d\n", cdata.VID, cdata.AERL, cdata.NN)
	active := ctrlr.Namespaces().ActiveIDs()
	fmt.Printf("  Active namespaces: %v\n", active)

	ctrlr.SetAERHandler(func(ev nvme.AsyncEvent) {
		logger.Info("async event", "type", ev.Type, "info", ev.Info, "log_page", ev.LogPageID)
	})

	qp, err := ctrlr.AllocIOQpairCurrent(nvme.IOQpairOptions{Qprio: nvme.QPrioURGENT})
	if err != nil {
		logger.Error("qpair allocation failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("  Allocated I/O qpair %d (%s)\n", qp.QID, qp.State().String())
	fmt.Printf("\nPumping admin completions; press Ctrl+C to stop...\n")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := ctrlr.ProcessAdminCompletions(); err != nil {
				logger.Error("admin pump failed", "error", err)
				os.Exit(1)
			}
		case <-sigCh:
			logger.Info("received shutdown signal")
			if err := ctrlr.FreeIOQpair(qp); err != nil {
				logger.Warn("qpair free failed", "error", err)
			}
			if err := ctrlr.Destruct(); err != nil {
				logger.Warn("destruct failed", "error", err)
			}
			snap := ctrlr.Metrics().Snapshot()
			fmt.Printf("\nState transitions: %d\n", snap.StateTransitions)
			fmt.Printf("Admin completions: %d (errors: %d)\n", snap.AdminCompletions, snap.AdminErrors)
			fmt.Printf("AER events: %d (reposts: %d)\n", snap.AEREvents, snap.AERReposts)
			fmt.Printf("Init time: %s\n", time.Duration(snap.InitNs))
			return
		}
	}
}
