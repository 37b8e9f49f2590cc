package recoveryd

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/keyrecovery/recoveryd/appkey"
	"github.com/keyrecovery/recoveryd/esplora"
	"github.com/keyrecovery/recoveryd/f8e"
	"github.com/keyrecovery/recoveryd/feerate"
	"github.com/keyrecovery/recoveryd/keyset"
	"github.com/keyrecovery/recoveryd/recovery"
	"github.com/keyrecovery/recoveryd/sweep"
	"github.com/keyrecovery/recoveryd/wallet"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/ticker"
)

// ErrNoAccount is returned when neither a local keybox nor a configured
// account ID names the account to work on.
var ErrNoAccount = errors.New("no account: store a keybox or set " +
	"recovery.accountid")

// Services holds the stores, clients and services of one account. It is
// shared by the daemon and the command line tool.
type Services struct {
	cfg *Config

	DB kvdb.Backend

	Accounts   *keyset.AccountStore
	AppKeys    *appkey.Store
	Recoveries *recovery.Store
	Addresses  *wallet.AddressStore

	Chain  *esplora.Client
	Server *f8e.Client

	// FeeBackend is the estimator behind Fees. It is started and stopped
	// through Fees.
	FeeBackend *feerate.EsploraEstimator
	Fees       *feerate.Estimator

	Wallets *wallet.Manager

	SweepGenerator *sweep.Generator
	Sweeps         *sweep.Service

	// AccountID, Status and Orchestrator are only set when the account
	// is known.
	AccountID    fn.Option[string]
	Status       *recovery.StatusService
	Orchestrator *recovery.Orchestrator
}

// NewServices opens the database and wires every component for cfg.
func NewServices(cfg *Config) (*Services, error) {
	db, err := cfg.DB.GetBackend(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	s, err := newServices(cfg, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func newServices(cfg *Config, db kvdb.Backend) (*Services, error) {
	accounts, err := keyset.NewAccountStore(db)
	if err != nil {
		return nil, fmt.Errorf("unable to open account store: %w", err)
	}

	appKeys, err := appkey.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("unable to open app key store: %w", err)
	}

	recoveries, err := recovery.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("unable to open recovery store: %w", err)
	}

	addresses, err := wallet.NewAddressStore(db)
	if err != nil {
		return nil, fmt.Errorf("unable to open address store: %w", err)
	}

	chain := esplora.NewClient(&esplora.ClientConfig{
		URL:            cfg.Esplora.URL,
		RequestTimeout: cfg.Esplora.RequestTimeout,
		MaxRetries:     cfg.Esplora.MaxRetries,
		RetryBackoff:   cfg.Esplora.RetryBackoff,
	})

	feeBackend := feerate.NewEsploraEstimator(
		chain, &feerate.EsploraEstimatorConfig{
			FallbackFeePerKW: cfg.Esplora.FallbackFeeRate.
				FeePerKWeight(),
			UpdateTicker: ticker.New(cfg.Esplora.FeeUpdateInterval),
		},
	)
	fees := feerate.NewEstimator(feeBackend)

	server := f8e.NewClient(&f8e.Config{
		BaseURL:           cfg.Server.URL,
		Network:           cfg.ActiveNetParams,
		RequestTimeout:    cfg.Server.RequestTimeout,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
	})

	wallets := wallet.NewManager(&wallet.Config{
		Network:  cfg.ActiveNetParams,
		Chain:    chain,
		Store:    addresses,
		GapLimit: cfg.Sweeper.GapLimit,
		RelayFee: feeBackend.RelayFeePerKW(),
	})

	generator := sweep.NewGenerator(&sweep.GeneratorConfig{
		Keysets:   server,
		AppKeys:   appKeys,
		Addresses: server,
		Fees:      fees,
		Wallets:   wallets,
	})

	s := &Services{
		cfg:            cfg,
		DB:             db,
		Accounts:       accounts,
		AppKeys:        appKeys,
		Recoveries:     recoveries,
		Addresses:      addresses,
		Chain:          chain,
		Server:         server,
		FeeBackend:     feeBackend,
		Fees:           fees,
		Wallets:        wallets,
		SweepGenerator: generator,
		Sweeps: sweep.NewService(&sweep.ServiceConfig{
			Generator:   generator,
			Accounts:    accounts,
			CheckTicker: ticker.New(cfg.Sweeper.CheckInterval),
		}),
	}

	accountID, err := s.resolveAccountID()
	if err != nil {
		return nil, err
	}
	s.AccountID = accountID

	accountID.WhenSome(func(id string) {
		s.Status = recovery.NewStatusService(
			&recovery.StatusServiceConfig{
				AccountID: id,
				Client:    server,
				Dao:       recoveries,
				SyncTicker: ticker.New(
					cfg.Recovery.SyncInterval,
				),
			},
		)

		s.Orchestrator = recovery.NewOrchestrator(
			&recovery.OrchestratorConfig{
				AccountID:       id,
				Status:          s.Status,
				DelayNotify:     server,
				Keysets:         server,
				Auth:            server,
				TrustedContacts: server,
				DeviceTokens:    server,
				DeviceToken:     cfg.DeviceToken,
				Signer:          appKeys,
				Accounts:        accounts,
			},
		)
	})

	return s, nil
}

// resolveAccountID prefers the stored keybox over the configured account.
func (s *Services) resolveAccountID() (fn.Option[string], error) {
	kb, err := s.Accounts.ActiveKeybox()
	if err != nil {
		return fn.None[string](), fmt.Errorf("unable to read "+
			"keybox: %w", err)
	}

	id := fn.MapOption(func(kb keyset.Keybox) string {
		return kb.AccountID
	})(kb)

	if id.IsNone() && s.cfg.Recovery.AccountID != "" {
		return fn.Some(s.cfg.Recovery.AccountID), nil
	}

	return id, nil
}

// Config returns the configuration the services were built from.
func (s *Services) Config() *Config {
	return s.cfg
}

// RequireAccount returns the account ID or ErrNoAccount.
func (s *Services) RequireAccount() (string, error) {
	return s.AccountID.UnwrapOrErr(ErrNoAccount)
}

// Keybox returns the stored keybox or an error if there is none.
func (s *Services) Keybox() (*keyset.Keybox, error) {
	kb, err := s.Accounts.ActiveKeybox()
	if err != nil {
		return nil, err
	}

	keybox, err := kb.UnwrapOrErr(errors.New("no keybox stored"))
	if err != nil {
		return nil, err
	}

	return &keybox, nil
}

// Authenticate obtains server tokens for every auth key of the keybox whose
// private key is held locally. Keys the app does not hold are skipped, as is
// the whole handshake when no keybox is stored.
func (s *Services) Authenticate(ctx context.Context) error {
	keybox, err := s.Accounts.ActiveKeybox()
	if err != nil {
		return err
	}
	if keybox.IsNone() {
		rdLog.Debugf("No keybox stored, skipping authentication")
		return nil
	}

	kb, err := s.Keybox()
	if err != nil {
		return err
	}

	scopes := []struct {
		scope recovery.AuthScope
		key   *btcec.PublicKey
	}{
		{recovery.AuthScopeGlobal, kb.AppGlobalAuthKey},
		{recovery.AuthScopeRecovery, kb.AppRecoveryAuthKey},
	}

	for _, sc := range scopes {
		if sc.key == nil {
			continue
		}

		priv, err := s.AppKeys.AuthKey(sc.key)
		if err != nil {
			return err
		}
		if priv.IsNone() {
			rdLog.Debugf("Auth key %x not held, skipping",
				sc.key.SerializeCompressed())

			continue
		}

		key := sc.key
		err = s.Server.Authenticate(
			ctx, kb.AccountID, sc.scope, key,
			func(msg []byte) ([]byte, error) {
				return s.AppKeys.SignMessage(key, msg)
			},
		)
		if err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
	}

	return nil
}

// Close closes the database.
func (s *Services) Close() error {
	return s.DB.Close()
}
