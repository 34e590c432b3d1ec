package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/arbelos/statomat"
	"github.com/arbelos/statomat/persist"
)

const definition = `
id: traffic-light
initial: cycling
states:
  - id: cycling
    initial: red
    children:
      - id: red
        after:
          - after: 2s
            transition:
              target: green
      - id: green
        after:
          - after: 2s
            transition:
              target: yellow
      - id: yellow
        after:
          - after: 500ms
            transition:
              target: red
    on:
      POWER_OUT:
        - target: flashing
  - id: flashing
    on:
      POWER_ON:
        - target: cycling
`

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := statomat.LoadConfig([]byte(definition))
	if err != nil {
		logger.Error("parse definition", "err", err)
		os.Exit(1)
	}
	machine, err := statomat.Compile(cfg)
	if err != nil {
		logger.Error("compile definition", "err", err)
		os.Exit(1)
	}

	store, err := persist.NewJSONStore(os.TempDir())
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}

	itp := statomat.NewInterpreter(machine,
		statomat.WithID("traffic-light"),
		statomat.WithLogger(logger),
	)
	unsub := itp.Subscribe(func(s statomat.Snapshot) {
		fmt.Printf("light: %v\n", s.Value)
	})
	defer unsub()

	if err := itp.Start(); err != nil {
		logger.Error("start", "err", err)
		os.Exit(1)
	}

	// Let the timed cycle run, then cut the power.
	time.Sleep(5 * time.Second)
	itp.Send(statomat.NewEvent("POWER_OUT", nil))

	snap := itp.Snapshot()
	if err := store.Save(context.Background(), itp.ID(), *snap); err != nil {
		logger.Error("save snapshot", "err", err)
	}
	itp.Stop()

	// Rehydrate from the stored snapshot and restore power.
	restored, err := store.Load(context.Background(), "traffic-light")
	if err != nil {
		logger.Error("load snapshot", "err", err)
		os.Exit(1)
	}
	itp2 := statomat.NewInterpreter(machine,
		statomat.WithID("traffic-light"),
		statomat.WithLogger(logger),
		statomat.WithSnapshot(&restored),
	)
	itp2.Subscribe(func(s statomat.Snapshot) {
		fmt.Printf("light (restored): %v\n", s.Value)
	})
	if err := itp2.Start(); err != nil {
		logger.Error("restart", "err", err)
		os.Exit(1)
	}
	itp2.Send(statomat.NewEvent("POWER_ON", nil))
	time.Sleep(3 * time.Second)
	itp2.Stop()
}
