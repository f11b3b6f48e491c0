// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"

	"github.com/mintward/mintward/client/core"
	"github.com/mintward/mintward/client/db/bolt"
	"github.com/mintward/mintward/client/mint"
	"github.com/mintward/mintward/wallet"
	"github.com/mintward/mintward/wallet/derive"
)

const appName = "mintward"

const version = "0.1.0"

var log wallet.Logger

func main() {
	if err := runCore(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCore() error {
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := configure()
	if err != nil {
		return err
	}

	logMaker, closeLogger, err := initLogging(cfg.LogPath, cfg.DebugLevel, !cfg.NoStdout)
	if err != nil {
		return err
	}
	defer closeLogger()
	log = logMaker.Logger("MW")
	core.UseLoggerMaker(logMaker)
	log.Infof("%s version %s (Go version %s)", appName, version, runtime.Version())

	defer func() {
		if pv := recover(); pv != nil {
			log.Criticalf("Uh-oh! \n\nPanic:\n\n%v\n\nStack:\n\n%v\n\n",
				pv, string(debug.Stack()))
		}
	}()

	mnemonicB, err := os.ReadFile(cfg.MnemonicFile)
	if err != nil {
		return fmt.Errorf("error reading mnemonic file: %w", err)
	}
	seed, err := derive.SeedFromMnemonic(strings.TrimSpace(string(mnemonicB)), "")
	if err != nil {
		return fmt.Errorf("bad mnemonic: %w", err)
	}

	db, err := bolt.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	clientCore, err := core.New(&core.Config{
		DB:     db,
		UserID: cfg.UserID,
		Keys:   core.NewSeedKeys(seed),
		NewCapability: func(ctx context.Context, mintURL string) (mint.Capability, error) {
			return mint.NewHTTPCapability(ctx, mintURL)
		},
	})
	if err != nil {
		return fmt.Errorf("error creating wallet core: %w", err)
	}

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-killChan
		log.Infof("Shutting down...")
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		clientCore.Run(appCtx)
		cancel() // in the event that Run returns prematurely
	}()

	<-clientCore.Ready()
	log.Infof("%s ready", appName)

	// Log lifecycle events until shutdown.
	feed := clientCore.NotificationFeed()
	for {
		select {
		case n := <-feed:
			switch n.Topic {
			case core.TopicQuoteFailed, core.TopicSwapFailed, core.TopicTrackingError:
				log.Warnf("%s: %s", n.Topic, n.Details)
			default:
				log.Infof("%s", n.Topic)
			}
		case <-appCtx.Done():
			wg.Wait()
			log.Infof("%s exited", appName)
			return nil
		}
	}
}
