package trust

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/erx-fd/fachdienst/pkg/events"
	"github.com/erx-fd/fachdienst/pkg/log"
	"github.com/erx-fd/fachdienst/pkg/metrics"
)

const (
	backoffBase = 30 * time.Second
	backoffCap  = time.Hour
	fetchTimeout = 30 * time.Second
)

// Config configures a Store at construction.
type Config struct {
	BootstrapAnchorPath string
	TSLURL              string
	IDPURL              string
	RefreshInterval     time.Duration
	HTTPClient          *http.Client
	Broker              *events.Broker
}

// Store is the shared-for-reading handle C2 and C4 are given. Its
// current Snapshot is replaced atomically on each successful refresh;
// readers take a reference once per logical operation via Current.
type Store struct {
	anchor     *x509.Certificate
	tslURL     string
	idpURL     string
	interval   time.Duration
	httpClient *http.Client
	broker     *events.Broker

	current atomic.Pointer[Snapshot]
	stopCh  chan struct{}
}

// NewStore loads the bootstrap trust anchor from disk and constructs a
// Store. It does not perform the first fetch; call Refresh or Start for
// that.
func NewStore(cfg Config) (*Store, error) {
	pemBytes, err := os.ReadFile(cfg.BootstrapAnchorPath)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap trust anchor: %w", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("bootstrap trust anchor is not PEM-encoded")
	}
	anchor, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse bootstrap trust anchor: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: fetchTimeout}
	}

	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	return &Store{
		anchor:     anchor,
		tslURL:     cfg.TSLURL,
		idpURL:     cfg.IDPURL,
		interval:   interval,
		httpClient: httpClient,
		broker:     cfg.Broker,
		stopCh:     make(chan struct{}),
	}, nil
}

// Current returns the current snapshot, or nil if no refresh has
// succeeded yet.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// NewStoreWithSnapshot builds a Store pre-populated with snap and no
// background refresh loop, for components that depend on *Store but are
// exercised against a fixed trust view in tests.
func NewStoreWithSnapshot(snap *Snapshot) *Store {
	s := &Store{stopCh: make(chan struct{})}
	s.current.Store(snap)
	return s
}

// Start performs an initial refresh and then runs the refresh loop in
// the background until Stop is called. The initial refresh's error, if
// any, is returned so the caller can decide whether to treat a failed
// first fetch as fatal at startup.
func (s *Store) Start(ctx context.Context) error {
	err := s.refresh(ctx)
	go s.loop(ctx)
	return err
}

// Stop halts the refresh loop.
func (s *Store) Stop() {
	close(s.stopCh)
}

// loop drives the periodic refresh on Config.RefreshInterval, backing
// off exponentially between retries on failure (base 30s, cap 1h) and
// resetting to the configured interval after a success. A failure never
// invalidates the currently published snapshot; only the snapshot's own
// declared expiry does that.
func (s *Store) loop(ctx context.Context) {
	backoff := backoffBase
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := s.refresh(ctx); err != nil {
				log.WithComponent("trust").Warn().Err(err).Msg("trust refresh failed, retaining current snapshot")
				if s.broker != nil {
					s.broker.Publish(&events.Event{Type: events.EventTrustRefreshFailed, Message: err.Error()})
				}
				timer.Reset(backoff)
				backoff *= 2
				if backoff > backoffCap {
					backoff = backoffCap
				}
				continue
			}
			backoff = backoffBase
			timer.Reset(s.interval)
		}
	}
}

// refresh fetches the TSL and IDP JWK set, verifies them, and publishes
// a new snapshot atomically on success.
func (s *Store) refresh(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TrustRefreshDuration)

	tslBytes, err := s.fetch(ctx, s.tslURL)
	if err != nil {
		metrics.TrustRefreshTotal.WithLabelValues("fetch_error").Inc()
		return fmt.Errorf("fetch TSL: %w", err)
	}

	doc, err := parseAndVerifyTSL(tslBytes, s.anchor)
	if err != nil {
		metrics.TrustRefreshTotal.WithLabelValues("signature_invalid").Inc()
		return ErrTSLSignatureInvalid(err)
	}

	jwkBytes, err := s.fetch(ctx, s.idpURL)
	if err != nil {
		metrics.TrustRefreshTotal.WithLabelValues("fetch_error").Inc()
		return fmt.Errorf("fetch IDP JWK set: %w", err)
	}

	idpKey, kid, signerCert, err := parseJWKSet(jwkBytes)
	if err != nil {
		metrics.TrustRefreshTotal.WithLabelValues("jwk_invalid").Inc()
		return fmt.Errorf("parse IDP JWK set: %w", err)
	}

	if signerCert != nil {
		trusted := false
		for _, issuer := range doc.IDPIssuers {
			if err := signerCert.CheckSignatureFrom(issuer); err == nil {
				trusted = true
				break
			}
		}
		if !trusted {
			metrics.TrustRefreshTotal.WithLabelValues("idp_key_unknown").Inc()
			return ErrIDPKeyUnknown(fmt.Errorf("IDP signer certificate does not chain to a TSL-listed IDP issuer"))
		}
	}

	now := time.Now()
	snap := &Snapshot{
		TrustAnchor:    s.anchor,
		TSLSignerCerts: doc.TSLSignerCerts,
		CACerts:        doc.CACerts,
		IDPSigningKey:  idpKey,
		IDPKeyID:       kid,
		QESIssuerCerts: doc.QESIssuers,
		FetchedAt:      now,
		NextRefreshAt:  now.Add(s.interval),
		TSLExpiresAt:   doc.NextUpdate,
	}
	s.current.Store(snap)
	metrics.TrustRefreshTotal.WithLabelValues("success").Inc()
	metrics.TrustSnapshotAge.Set(0)

	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventTrustSnapshotReady, Message: "trust snapshot refreshed"})
	}
	return nil
}

func (s *Store) fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}
