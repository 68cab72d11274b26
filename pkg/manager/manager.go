// Package manager is the composition root: it wires the trust, token,
// VAU, QES, task, and store subsystems into a single runnable service
// and owns their startup/shutdown sequencing. cmd/fachdienst constructs
// exactly one Manager from its parsed flags.
package manager

import (
	"context"
	"crypto/x509"
	"fmt"
	"net/http"
	"time"

	"github.com/erx-fd/fachdienst/pkg/events"
	"github.com/erx-fd/fachdienst/pkg/log"
	"github.com/erx-fd/fachdienst/pkg/qes"
	"github.com/erx-fd/fachdienst/pkg/store"
	"github.com/erx-fd/fachdienst/pkg/task"
	"github.com/erx-fd/fachdienst/pkg/token"
	"github.com/erx-fd/fachdienst/pkg/trust"
	"github.com/erx-fd/fachdienst/pkg/vau"
)

// Config collects every dependency the composition root needs, sourced
// from CLI flags and environment by cmd/fachdienst.
type Config struct {
	VAUKeyPath          string
	VAUCertPath         string
	BootstrapAnchorPath string
	TSLURL              string
	IDPURL              string
	StatePath           string
	RefreshInterval     time.Duration
	ExpiryTick          time.Duration
	QESFailureThreshold int
	QESFailureWindow    time.Duration
	HTTPClient          *http.Client
}

// Manager owns every subsystem instance for the process lifetime. It
// replaces the teacher's cluster-coordination composition root (Raft,
// DNS, ingress, ACME) with the subsystems this domain actually has.
type Manager struct {
	cfg Config

	Broker        *events.Broker
	TrustStore    *trust.Store
	TokenVerifier *token.Verifier
	QESVerifier   *qes.Verifier
	Engine        *task.Engine
	Store         *store.Store

	VAUKey     *vau.PrivateKey
	VAUCert    *x509.Certificate
	VAUCertDER []byte

	signer *receiptSigner
}

// New constructs every subsystem and restores the Engine from disk. It
// does not start any background loop; call Start for that.
func New(cfg Config) (*Manager, error) {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	if cfg.ExpiryTick <= 0 {
		cfg.ExpiryTick = 60 * time.Second
	}
	if cfg.QESFailureThreshold <= 0 {
		cfg.QESFailureThreshold = 3
	}
	if cfg.QESFailureWindow <= 0 {
		cfg.QESFailureWindow = 5 * time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	vauKey, err := vau.LoadPrivateKeyPEM(cfg.VAUKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load VAU key: %w", err)
	}
	vauCert, vauCertDER, err := vau.LoadCertificatePEM(cfg.VAUCertPath)
	if err != nil {
		return nil, fmt.Errorf("load VAU certificate: %w", err)
	}

	broker := events.NewBroker()

	trustStore, err := trust.NewStore(trust.Config{
		BootstrapAnchorPath: cfg.BootstrapAnchorPath,
		TSLURL:              cfg.TSLURL,
		IDPURL:              cfg.IDPURL,
		RefreshInterval:     cfg.RefreshInterval,
		HTTPClient:          cfg.HTTPClient,
		Broker:              broker,
	})
	if err != nil {
		return nil, fmt.Errorf("construct trust store: %w", err)
	}

	tokenVerifier := token.NewVerifier(trustStore)
	qesVerifier := qes.NewVerifier(trustStore, cfg.QESFailureThreshold, cfg.QESFailureWindow)
	engine := task.NewEngine(broker)

	st, err := store.Open(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	snap, err := st.Load()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load persisted state: %w", err)
	}
	engine.Restore(snap)

	signer, err := newReceiptSigner()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("provision receipt signing identity: %w", err)
	}

	return &Manager{
		cfg:           cfg,
		Broker:        broker,
		TrustStore:    trustStore,
		TokenVerifier: tokenVerifier,
		QESVerifier:   qesVerifier,
		Engine:        engine,
		Store:         st,
		VAUKey:        vauKey,
		VAUCert:       vauCert,
		VAUCertDER:    vauCertDER,
		signer:        signer,
	}, nil
}

// Start begins the trust-refresh loop, the store's flush/expiry loops,
// and the event broker. It returns once everything is running; the
// loops themselves run on their own goroutines until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.Broker.Start()
	m.startEventSink(ctx)
	if err := m.TrustStore.Start(ctx); err != nil {
		return fmt.Errorf("start trust store: %w", err)
	}
	m.Store.RunLoops(ctx, m.Engine, m.cfg.ExpiryTick)
	log.Info("manager started")
	return nil
}

// Shutdown stops every background loop and flushes the final aggregate
// state to disk, in the same sequential order the teacher's Manager
// shut its subsystems down.
func (m *Manager) Shutdown() error {
	m.TrustStore.Stop()
	m.Store.Stop()
	if err := m.Store.Flush(m.Engine.Snapshot()); err != nil {
		log.Errorf("final state flush failed", err)
	}
	if err := m.Store.Close(); err != nil {
		log.Errorf("close state store failed", err)
	}
	m.Broker.Stop()
	return nil
}

// ReceiptSigner returns the task.ReceiptSigner the Engine's $close
// operation uses to produce a receipt bundle's CAdES signature.
func (m *Manager) ReceiptSigner() task.ReceiptSigner {
	return m.signer.sign
}
