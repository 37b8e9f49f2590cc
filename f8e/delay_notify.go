package f8e

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/keyrecovery/recoveryd/keyset"
	"github.com/keyrecovery/recoveryd/recovery"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// noRecoveryCode is the error code the server uses when an account has no
// recovery in progress.
const noRecoveryCode = "NO_RECOVERY_EXISTS"

type authKeysJSON struct {
	AppGlobal   string `json:"app_global"`
	AppRecovery string `json:"app_recovery"`
	Hardware    string `json:"hardware"`
}

type delayNotifyJSON struct {
	LostFactor     string       `json:"lost_factor"`
	DelayStartTime time.Time    `json:"delay_start_time"`
	DelayEndTime   time.Time    `json:"delay_end_time"`
	AuthKeys       authKeysJSON `json:"auth_keys"`
}

type delayNotifyResponse struct {
	DelayNotify *delayNotifyJSON `json:"delay_notify"`
}

type initiateRequestJSON struct {
	LostFactor string       `json:"lost_factor"`
	AuthKeys   authKeysJSON `json:"auth_keys"`
}

type completeRequestJSON struct {
	Challenge         string `json:"challenge"`
	AppSignature      string `json:"app_signature"`
	HardwareSignature string `json:"hardware_signature"`
	SealedCsek        []byte `json:"sealed_csek,omitempty"`
	SealedSsek        []byte `json:"sealed_ssek,omitempty"`
}

func factorToJSON(f keyset.Factor) string {
	if f == keyset.FactorApp {
		return "APP"
	}

	return "HARDWARE"
}

func factorFromJSON(s string) (keyset.Factor, error) {
	switch s {
	case "APP":
		return keyset.FactorApp, nil
	case "HARDWARE":
		return keyset.FactorHardware, nil
	default:
		return 0, fmt.Errorf("unknown factor %q", s)
	}
}

func pubKeyToJSON(key *btcec.PublicKey) string {
	return hex.EncodeToString(key.SerializeCompressed())
}

func pubKeyFromJSON(s string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}

	return btcec.ParsePubKey(b)
}

func (a *authKeysJSON) parse() (*recovery.AuthKeys, error) {
	appGlobal, err := pubKeyFromJSON(a.AppGlobal)
	if err != nil {
		return nil, fmt.Errorf("app global auth key: %w", err)
	}

	appRecovery, err := pubKeyFromJSON(a.AppRecovery)
	if err != nil {
		return nil, fmt.Errorf("app recovery auth key: %w", err)
	}

	hardware, err := pubKeyFromJSON(a.Hardware)
	if err != nil {
		return nil, fmt.Errorf("hardware auth key: %w", err)
	}

	return &recovery.AuthKeys{
		AppGlobalAuthKey:   appGlobal,
		AppRecoveryAuthKey: appRecovery,
		HardwareAuthKey:    hardware,
	}, nil
}

func (d *delayNotifyJSON) parse(accountID string) (*recovery.ServerRecovery,
	error) {

	lost, err := factorFromJSON(d.LostFactor)
	if err != nil {
		return nil, err
	}

	keys, err := d.AuthKeys.parse()
	if err != nil {
		return nil, err
	}

	return &recovery.ServerRecovery{
		AccountID:                     accountID,
		LostFactor:                    lost,
		DelayStartTime:                d.DelayStartTime,
		DelayEndTime:                  d.DelayEndTime,
		DestinationAppGlobalAuthKey:   keys.AppGlobalAuthKey,
		DestinationAppRecoveryAuthKey: keys.AppRecoveryAuthKey,
		DestinationHardwareAuthKey:    keys.HardwareAuthKey,
	}, nil
}

// noRecovery maps the server's "nothing to act on" answers to
// recovery.ErrNoRecoveryExists.
func noRecovery(err error) error {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return err
	}

	if httpErr.StatusCode == http.StatusNotFound ||
		httpErr.Code == noRecoveryCode {

		return fmt.Errorf("%w: %v", recovery.ErrNoRecoveryExists, err)
	}

	return err
}

// GetDelayNotify returns the account's recovery as the server knows it.
func (c *Client) GetDelayNotify(ctx context.Context,
	accountID string) (fn.Option[recovery.ServerRecovery], error) {

	var resp delayNotifyResponse
	err := c.do(ctx, &request{
		method: http.MethodGet,
		path:   accountPath(accountID, "delay-notify"),
		auth:   fn.Some(recovery.AuthScopeRecovery),
		out:    &resp,
	})
	switch {
	case IsNotFound(err):
		return fn.None[recovery.ServerRecovery](), nil

	case err != nil:
		return fn.None[recovery.ServerRecovery](), err

	case resp.DelayNotify == nil:
		return fn.None[recovery.ServerRecovery](), nil
	}

	rec, err := resp.DelayNotify.parse(accountID)
	if err != nil {
		return fn.None[recovery.ServerRecovery](), fmt.Errorf("invalid "+
			"delay notify: %w", err)
	}

	return fn.Some(*rec), nil
}

// InitiateDelayNotify starts a recovery on the server.
func (c *Client) InitiateDelayNotify(ctx context.Context, accountID string,
	req *recovery.InitiateRequest) (*recovery.ServerRecovery, error) {

	var resp delayNotifyResponse
	err := c.do(ctx, &request{
		method:  http.MethodPost,
		path:    accountPath(accountID, "delay-notify"),
		auth:    fn.Some(recovery.AuthScopeRecovery),
		hwProof: req.HwProof,
		in: &initiateRequestJSON{
			LostFactor: factorToJSON(req.LostFactor),
			AuthKeys: authKeysJSON{
				AppGlobal: pubKeyToJSON(
					req.DestinationAppGlobalAuthKey,
				),
				AppRecovery: pubKeyToJSON(
					req.DestinationAppRecoveryAuthKey,
				),
				Hardware: pubKeyToJSON(
					req.DestinationHardwareAuthKey,
				),
			},
		},
		out: &resp,
	})
	if err != nil {
		return nil, err
	}

	if resp.DelayNotify == nil {
		return nil, fmt.Errorf("server returned no delay notify")
	}

	return resp.DelayNotify.parse(accountID)
}

// CancelDelayNotify cancels the account's recovery.
func (c *Client) CancelDelayNotify(ctx context.Context, accountID string,
	hwProof fn.Option[recovery.HardwareProof]) error {

	err := c.do(ctx, &request{
		method:  http.MethodDelete,
		path:    accountPath(accountID, "delay-notify"),
		auth:    fn.Some(recovery.AuthScopeRecovery),
		hwProof: hwProof,
	})

	return noRecovery(err)
}

// CompleteDelayNotify completes the account's recovery, rotating its auth
// keys.
func (c *Client) CompleteDelayNotify(ctx context.Context, accountID string,
	req *recovery.CompleteRequest) error {

	err := c.do(ctx, &request{
		method: http.MethodPost,
		path:   accountPath(accountID, "delay-notify", "complete"),
		auth:   fn.Some(recovery.AuthScopeRecovery),
		in: &completeRequestJSON{
			Challenge:         hex.EncodeToString(req.Challenge),
			AppSignature:      hex.EncodeToString(req.AppSignature),
			HardwareSignature: hex.EncodeToString(req.HardwareSignature),
			SealedCsek:        req.SealedCsek,
			SealedSsek:        req.SealedSsek,
		},
	})

	return noRecovery(err)
}

// A compile time check that Client serves the recovery package.
var (
	_ recovery.StatusClient      = (*Client)(nil)
	_ recovery.DelayNotifyClient = (*Client)(nil)
	_ recovery.KeysetClient      = (*Client)(nil)
	_ recovery.AuthClient        = (*Client)(nil)

	_ recovery.TrustedContactClient = (*Client)(nil)
	_ recovery.DeviceTokenRegistrar = (*Client)(nil)
)
