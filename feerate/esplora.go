package feerate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keyrecovery/recoveryd/esplora"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// defaultFeeUpdateInterval is the default interval at which the fee
	// estimator will update its cached fee rates.
	defaultFeeUpdateInterval = 5 * time.Minute

	// defaultRequestTimeout bounds a single fee estimate request.
	defaultRequestTimeout = 30 * time.Second
)

// ErrNoEstimates is returned when the API returned no usable fee estimates
// and no fallback rate is configured.
var ErrNoEstimates = errors.New("no fee estimates available")

// FeeSource is the part of the esplora client the estimator needs.
type FeeSource interface {
	GetFeeEstimates(ctx context.Context) (esplora.FeeEstimates, error)
}

// EsploraEstimatorConfig holds the configuration for the esplora fee
// estimator.
type EsploraEstimatorConfig struct {
	// FallbackFeePerKW is the fee rate (in sat/kw) to use when the API
	// fails to return a fee estimate. Zero disables the fallback and
	// makes estimation failures visible to the caller.
	FallbackFeePerKW chainfee.SatPerKWeight

	// MinFeePerKW is the minimum fee rate (in sat/kw) that should be used.
	MinFeePerKW chainfee.SatPerKWeight

	// UpdateTicker drives the periodic cache refresh. Defaults to a
	// ticker firing every five minutes.
	UpdateTicker ticker.Ticker
}

// EsploraEstimator is an implementation of the chainfee.Estimator interface
// that uses an esplora API to estimate transaction fees.
type EsploraEstimator struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg *EsploraEstimatorConfig

	source FeeSource

	// feeCache stores the last fetched estimates by confirmation target.
	feeCacheMtx sync.RWMutex
	feeCache    map[uint32]chainfee.SatPerKWeight

	quit chan struct{}
	wg   sync.WaitGroup
}

// Compile time check to ensure EsploraEstimator implements
// chainfee.Estimator.
var _ chainfee.Estimator = (*EsploraEstimator)(nil)

// NewEsploraEstimator creates a new esplora based fee estimator.
func NewEsploraEstimator(source FeeSource,
	cfg *EsploraEstimatorConfig) *EsploraEstimator {

	if cfg.MinFeePerKW == 0 {
		cfg.MinFeePerKW = chainfee.FeePerKwFloor
	}
	if cfg.UpdateTicker == nil {
		cfg.UpdateTicker = ticker.New(defaultFeeUpdateInterval)
	}

	return &EsploraEstimator{
		cfg:      cfg,
		source:   source,
		feeCache: make(map[uint32]chainfee.SatPerKWeight),
		quit:     make(chan struct{}),
	}
}

// Start signals the estimator to start any processes or goroutines it needs
// to perform its duty.
//
// NOTE: This is part of the chainfee.Estimator interface.
func (e *EsploraEstimator) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Starting esplora fee estimator")

	if err := e.updateFeeCache(); err != nil {
		log.Warnf("Failed to update initial fee cache: %v", err)
	}

	e.cfg.UpdateTicker.Resume()

	e.wg.Add(1)
	go e.feeUpdateLoop()

	return nil
}

// Stop stops any spawned goroutines and cleans up the resources used by the
// fee estimator.
//
// NOTE: This is part of the chainfee.Estimator interface.
func (e *EsploraEstimator) Stop() error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Stopping esplora fee estimator")

	close(e.quit)
	e.wg.Wait()
	e.cfg.UpdateTicker.Stop()

	return nil
}

// EstimateFeePerKW takes in a target for the number of blocks until an initial
// confirmation and returns the estimated fee expressed in sat/kw.
//
// NOTE: This is part of the chainfee.Estimator interface.
func (e *EsploraEstimator) EstimateFeePerKW(
	numBlocks uint32) (chainfee.SatPerKWeight, error) {

	if feeRate, ok := e.cachedEstimate(numBlocks); ok {
		return feeRate, nil
	}

	err := e.updateFeeCache()
	if feeRate, ok := e.cachedEstimate(numBlocks); ok {
		return feeRate, nil
	}

	if e.cfg.FallbackFeePerKW != 0 {
		log.Debugf("Using fallback fee rate for %d blocks: %v",
			numBlocks, err)

		return e.cfg.FallbackFeePerKW, nil
	}

	if err != nil {
		return 0, err
	}

	return 0, ErrNoEstimates
}

// RelayFeePerKW returns the minimum fee rate required for transactions to be
// relayed. Esplora doesn't expose the relay fee, so the configured minimum
// is used.
//
// NOTE: This is part of the chainfee.Estimator interface.
func (e *EsploraEstimator) RelayFeePerKW() chainfee.SatPerKWeight {
	return e.cfg.MinFeePerKW
}

// cachedEstimate returns the estimate of the largest cached target not
// exceeding numBlocks. Targets below the smallest cached one use the
// smallest.
func (e *EsploraEstimator) cachedEstimate(
	numBlocks uint32) (chainfee.SatPerKWeight, bool) {

	e.feeCacheMtx.RLock()
	defer e.feeCacheMtx.RUnlock()

	if len(e.feeCache) == 0 {
		return 0, false
	}

	targets := make([]uint32, 0, len(e.feeCache))
	for target := range e.feeCache {
		targets = append(targets, target)
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i] < targets[j]
	})

	best := targets[0]
	for _, target := range targets {
		if target > numBlocks {
			break
		}
		best = target
	}

	return e.feeCache[best], true
}

// updateFeeCache replaces the cached estimates with a fresh set from the API.
func (e *EsploraEstimator) updateFeeCache() error {
	ctx, cancel := context.WithTimeout(
		context.Background(), defaultRequestTimeout,
	)
	defer cancel()

	estimates, err := e.source.GetFeeEstimates(ctx)
	if err != nil {
		return fmt.Errorf("failed to get fee estimates: %w", err)
	}

	cache := make(map[uint32]chainfee.SatPerKWeight, len(estimates))
	for targetStr, satPerVByte := range estimates {
		target, err := strconv.ParseUint(targetStr, 10, 32)
		if err != nil || target == 0 || satPerVByte <= 0 {
			log.Debugf("Ignoring fee estimate %q=%v", targetStr,
				satPerVByte)
			continue
		}

		cache[uint32(target)] = e.satPerVByteToKW(satPerVByte)
	}

	if len(cache) == 0 {
		return ErrNoEstimates
	}

	e.feeCacheMtx.Lock()
	e.feeCache = cache
	e.feeCacheMtx.Unlock()

	log.Debugf("Updated fee cache with %d targets", len(cache))

	return nil
}

// satPerVByteToKW converts a sat/vB rate to sat/kw, never going below the
// configured minimum.
func (e *EsploraEstimator) satPerVByteToKW(
	satPerVByte float64) chainfee.SatPerKWeight {

	feePerKW := chainfee.SatPerKVByte(satPerVByte * 1000).FeePerKWeight()
	if feePerKW < e.cfg.MinFeePerKW {
		feePerKW = e.cfg.MinFeePerKW
	}

	return feePerKW
}

// feeUpdateLoop periodically updates the fee cache.
func (e *EsploraEstimator) feeUpdateLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.cfg.UpdateTicker.Ticks():
			if err := e.updateFeeCache(); err != nil {
				log.Debugf("Failed to update fee cache: %v", err)
			}

		case <-e.quit:
			return
		}
	}
}
