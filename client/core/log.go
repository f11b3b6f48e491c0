// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"github.com/mintward/mintward/client/comms"
	"github.com/mintward/mintward/client/db/bolt"
	"github.com/mintward/mintward/client/mint"
	"github.com/mintward/mintward/wallet"
	"github.com/mintward/mintward/wallet/derive"
)

// log is a logger that is initialized with no output filters. This means the
// package will not perform any logging by default until the caller requests
// it.
var log = wallet.Disabled

// UseLoggerMaker uses the LoggerMaker to create loggers for core and its
// subsystems.
func UseLoggerMaker(maker *wallet.LoggerMaker) {
	log = maker.Logger("CORE")
	comms.UseLogger(maker.Logger("COMMS"))
	mint.UseLogger(maker.Logger("MINT"))
	bolt.UseLogger(maker.Logger("DB"))
	derive.UseLogger(maker.Logger("KEYS"))
}
