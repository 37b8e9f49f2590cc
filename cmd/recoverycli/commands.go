package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/keyrecovery/recoveryd"
	"github.com/keyrecovery/recoveryd/confirm"
	"github.com/keyrecovery/recoveryd/f8e"
	"github.com/keyrecovery/recoveryd/feerate"
	"github.com/keyrecovery/recoveryd/keyset"
	"github.com/keyrecovery/recoveryd/recovery"
	"github.com/keyrecovery/recoveryd/sweep"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/urfave/cli"
)

var statusCommand = cli.Command{
	Name:     "status",
	Category: "Recovery",
	Usage:    "Sync with the server and show the recovery state.",
	Action:   status,
}

func status(ctx *cli.Context) error {
	ctxc := getContext()
	services, cleanUp, err := loadServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	stopStatus, err := startStatus(ctxc, services)
	if err != nil {
		return err
	}
	defer stopStatus()

	if err := services.Status.Sync(ctxc); err != nil {
		return err
	}

	current, err := services.Status.Current()
	if err != nil {
		return err
	}

	printJSON(struct {
		Recovery string `json:"recovery"`
	}{
		Recovery: current.String(),
	})

	return nil
}

var awaitDelayCommand = cli.Command{
	Name:     "awaitdelay",
	Category: "Recovery",
	Usage:    "Wait until the delay period of our recovery has passed.",
	Flags: []cli.Flag{
		cli.DurationFlag{
			Name: "interval",
			Usage: "How often to check the server. Defaults to " +
				"recovery.delaypollinterval.",
		},
	},
	Action: awaitDelay,
}

func awaitDelay(ctx *cli.Context) error {
	ctxc := getContext()
	services, cleanUp, err := loadServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	stopStatus, err := startStatus(ctxc, services)
	if err != nil {
		return err
	}
	defer stopStatus()

	interval := ctx.Duration("interval")
	if interval == 0 {
		interval = services.Config().Recovery.DelayPollInterval
	}

	rec, err := services.Orchestrator.AwaitDelayPeriod(ctxc, interval)
	if err != nil {
		return err
	}

	printJSON(struct {
		LostFactor   string    `json:"lost_factor"`
		DelayEndTime time.Time `json:"delay_end_time"`
	}{
		LostFactor:   rec.LostFactor.String(),
		DelayEndTime: rec.DelayEndTime,
	})

	return nil
}

var cancelRecoveryCommand = cli.Command{
	Name:      "cancelrecovery",
	Category:  "Recovery",
	Usage:     "Cancel the account's delay and notify recovery.",
	ArgsUsage: "lost_factor",
	Description: `
	Cancel the recovery that replaces lost_factor (app or hardware) and
	clear the local recovery state. Cancelling a recovery of a lost app
	needs a proof of possession of the hardware, passed as --hwproof.
	`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "hwproof",
			Usage: "The hex encoded hardware proof of possession.",
		},
	},
	Action: cancelRecovery,
}

func cancelRecovery(ctx *cli.Context) error {
	ctxc := getContext()

	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "cancelrecovery")
	}

	lostFactor, err := parseFactor(ctx.Args().First())
	if err != nil {
		return err
	}

	req := recovery.CancelRequest{
		LostFactor: lostFactor,
		HwProof:    fn.None[recovery.HardwareProof](),
	}
	if ctx.IsSet("hwproof") {
		token, err := hex.DecodeString(ctx.String("hwproof"))
		if err != nil {
			return fmt.Errorf("invalid hwproof: %w", err)
		}
		req.HwProof = fn.Some(recovery.HardwareProof{Token: token})
	}

	services, cleanUp, err := loadServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	stopStatus, err := startStatus(ctxc, services)
	if err != nil {
		return err
	}
	defer stopStatus()

	err = services.Orchestrator.CancelDelayNotify(ctxc, req)
	if err != nil {
		return err
	}

	fmt.Println("Recovery cancelled")

	return nil
}

var rotateAuthTokensCommand = cli.Command{
	Name:     "rotatetokens",
	Category: "Recovery",
	Usage:    "Obtain server tokens for the rotated auth keys.",
	Action:   rotateAuthTokens,
}

func rotateAuthTokens(ctx *cli.Context) error {
	ctxc := getContext()
	services, cleanUp, err := loadServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	stopStatus, err := startStatus(ctxc, services)
	if err != nil {
		return err
	}
	defer stopStatus()

	return services.Orchestrator.RotateAuthTokens(ctxc)
}

var checkSweepCommand = cli.Command{
	Name:     "checksweep",
	Category: "Sweep",
	Usage:    "Report whether funds wait on inactive keysets.",
	Action:   checkSweep,
}

func checkSweep(ctx *cli.Context) error {
	ctxc := getContext()
	services, cleanUp, err := loadServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	if err := services.Fees.Start(); err != nil {
		return err
	}
	defer func() {
		_ = services.Fees.Stop()
	}()

	if err := services.Authenticate(ctxc); err != nil {
		return err
	}

	services.Sweeps.CheckForSweeps(ctxc)

	printJSON(struct {
		SweepRequired bool `json:"sweep_required"`
	}{
		SweepRequired: services.Sweeps.SweepRequired(),
	})

	return nil
}

var prepareSweepCommand = cli.Command{
	Name:     "preparesweep",
	Category: "Sweep",
	Usage:    "Build the PSBTs moving funds to the active keyset.",
	Description: `
	Build one PSBT per signable inactive keyset holding funds. Every PSBT
	pays to a fresh address of the active keyset, which is registered
	with the server. The PSBTs are printed base64 encoded and still need
	to be signed by the listed factor. Once nothing is left to sweep, a
	recovery whose replacement keyset is active is marked as finished.
	`,
	Action: prepareSweep,
}

type sweepPsbt struct {
	Psbt         string `json:"psbt"`
	SignFactor   string `json:"sign_factor"`
	SourceKeyset string `json:"source_keyset"`
	Destination  string `json:"destination"`
	FeeSat       int64  `json:"fee_sat"`
	AmountSat    int64  `json:"amount_sat"`
}

func prepareSweep(ctx *cli.Context) error {
	ctxc := getContext()
	services, cleanUp, err := loadServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	kb, err := services.Keybox()
	if err != nil {
		return err
	}

	if err := services.Fees.Start(); err != nil {
		return err
	}
	defer func() {
		_ = services.Fees.Stop()
	}()

	if err := services.Authenticate(ctxc); err != nil {
		return err
	}

	s, err := services.Sweeps.PrepareSweep(ctxc, kb)
	if err != nil {
		return err
	}
	if s == nil {
		if err := markFundsSwept(ctxc, services); err != nil {
			return err
		}

		s = &sweep.Sweep{}
	}

	resp := struct {
		Psbts          []sweepPsbt `json:"psbts"`
		TotalFeeSat    int64       `json:"total_fee_sat"`
		TotalAmountSat int64       `json:"total_amount_sat"`
	}{
		Psbts:          make([]sweepPsbt, 0, len(s.Psbts)),
		TotalFeeSat:    int64(s.TotalFee()),
		TotalAmountSat: int64(s.TotalAmount()),
	}

	for _, p := range s.Psbts {
		encoded, err := p.Packet.B64Encode()
		if err != nil {
			return err
		}

		resp.Psbts = append(resp.Psbts, sweepPsbt{
			Psbt:         encoded,
			SignFactor:   p.SignFactor.String(),
			SourceKeyset: p.SourceKeyset.ID,
			Destination:  p.DestinationAddress.EncodeAddress(),
			FeeSat:       int64(p.Fee),
			AmountSat:    int64(p.Amount),
		})
	}

	printJSON(resp)

	return nil
}

var feesCommand = cli.Command{
	Name:     "fees",
	Category: "Chain",
	Usage:    "Show the fee rate of every priority tier.",
	Action:   fees,
}

func fees(ctx *cli.Context) error {
	services, cleanUp, err := loadServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	if err := services.Fees.Start(); err != nil {
		return err
	}
	defer func() {
		_ = services.Fees.Stop()
	}()

	type tier struct {
		Priority   string `json:"priority"`
		ConfTarget uint32 `json:"conf_target"`
		SatPerVB   uint64 `json:"sat_per_vbyte"`
	}

	priorities := []feerate.Priority{
		feerate.PriorityFastest, feerate.PriorityThirtyMinutes,
		feerate.PrioritySixtyMinutes, feerate.PrioritySweep,
	}

	tiers := make([]tier, 0, len(priorities))
	for _, p := range priorities {
		rate, err := services.Fees.FeeRate(p)
		if err != nil {
			return err
		}

		tiers = append(tiers, tier{
			Priority:   p.String(),
			ConfTarget: p.ConfTarget(),
			SatPerVB:   uint64(rate.FeePerVByte()),
		})
	}

	printJSON(struct {
		Tiers []tier `json:"tiers"`
	}{
		Tiers: tiers,
	})

	return nil
}

var broadcastCommand = cli.Command{
	Name:      "broadcast",
	Category:  "Chain",
	Usage:     "Broadcast a signed transaction.",
	ArgsUsage: "tx_hex",
	Action:    broadcast,
}

func broadcast(ctx *cli.Context) error {
	ctxc := getContext()

	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "broadcast")
	}

	txBytes, err := hex.DecodeString(ctx.Args().First())
	if err != nil {
		return fmt.Errorf("invalid tx hex: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return fmt.Errorf("invalid tx: %w", err)
	}

	services, cleanUp, err := loadServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	txid, err := services.Chain.BroadcastTx(ctxc, tx)
	if err != nil {
		return err
	}

	printJSON(struct {
		TxID string `json:"txid"`
	}{
		TxID: txid.String(),
	})

	return nil
}

// markFundsSwept finishes a recovery whose replacement keyset is active once
// nothing is left to sweep.
func markFundsSwept(ctxc context.Context,
	services *recoveryd.Services) error {

	if services.Orchestrator == nil {
		return nil
	}

	local, err := services.Status.LocalAttempt()
	if err != nil {
		return err
	}

	activated := fn.MapOptionZ(local,
		func(a recovery.LocalRecoveryAttempt) bool {
			return a.Progress ==
				recovery.ProgressActivatedSpendingKeys
		},
	)
	if !activated {
		return nil
	}

	return services.Orchestrator.MarkFundsSwept(ctxc)
}

var waitVerificationCommand = cli.Command{
	Name:      "waitverification",
	Category:  "Chain",
	Usage:     "Wait for the server to approve a transaction verification.",
	ArgsUsage: "verification_id",
	Flags: []cli.Flag{
		cli.DurationFlag{
			Name:  "interval",
			Value: 5 * time.Second,
			Usage: "How often to poll the server.",
		},
	},
	Action: waitVerification,
}

func waitVerification(ctx *cli.Context) error {
	ctxc := getContext()

	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "waitverification")
	}

	services, cleanUp, err := loadServices(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	accountID, err := services.RequireAccount()
	if err != nil {
		return err
	}

	if err := services.Authenticate(ctxc); err != nil {
		return err
	}

	states := services.Server.PollTxVerification(
		ctxc, accountID, ctx.Args().First(), confirm.PollConfig{
			Interval: ctx.Duration("interval"),
		},
	)

	var last fn.Option[confirm.State[f8e.Verification]]
	for state := range states {
		last = fn.Some(state)
		fmt.Printf("Verification %v\n", state.Kind())
	}

	final, err := last.UnwrapOrErr(errors.New("no verification state"))
	if err != nil {
		return errors.Join(err, ctxc.Err())
	}

	verification, ok := final.Value()
	if !ok {
		return fmt.Errorf("verification ended %v", final.Kind())
	}

	printJSON(struct {
		ID            string `json:"id"`
		HardwareGrant string `json:"hardware_grant"`
	}{
		ID:            verification.ID,
		HardwareGrant: hex.EncodeToString(verification.HardwareGrant),
	})

	return nil
}

func parseFactor(s string) (keyset.Factor, error) {
	switch strings.ToLower(s) {
	case "app":
		return keyset.FactorApp, nil

	case "hardware", "hw":
		return keyset.FactorHardware, nil

	default:
		return 0, errors.New("lost_factor must be app or hardware")
	}
}
