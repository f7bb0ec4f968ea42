package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meszmate/xmppgate/internal/account"
	"github.com/meszmate/xmppgate/internal/xmpp"
)

// Reconnect backoff bounds.
const (
	reconnectInitial = time.Second
	reconnectMax     = time.Minute
)

// Run starts one supervisor per enabled account and blocks until ctx is
// canceled.
func (rt *Runtime) Run(ctx context.Context) error {
	accounts := account.ResolveEnabled(rt.cfg)
	if len(accounts) == 0 {
		return fmt.Errorf("no configured accounts")
	}

	var wg sync.WaitGroup
	for _, acct := range accounts {
		wg.Add(1)
		go func(acct account.Account) {
			defer wg.Done()
			rt.supervise(ctx, acct)
		}(acct)
	}

	wg.Wait()
	return nil
}

// StartAccount runs a single account's supervisor. Used by hosts that
// manage account lifecycles individually.
func (rt *Runtime) StartAccount(ctx context.Context, accountID string) error {
	acct, err := account.Require(rt.cfg, accountID)
	if err != nil {
		return err
	}
	rt.supervise(ctx, acct)
	return nil
}

// supervise keeps the account's monitor alive: connect, serve, and on
// failure reconnect with exponential backoff. The backoff resets once the
// client reports online.
func (rt *Runtime) supervise(ctx context.Context, acct account.Account) {
	log := rt.log.Named("supervisor").With(zap.String("account", acct.ID))
	backoff := reconnectInitial

	for {
		if ctx.Err() != nil {
			return
		}

		m, err := NewMonitor(rt, acct)
		if err != nil {
			log.Error("failed to build monitor", zap.Error(err))
			return
		}

		offline := make(chan error, 1)
		m.client.OnOnline(func() {
			log.Info("account online")
		})
		m.client.OnOffline(func(err error) {
			select {
			case offline <- err:
			default:
			}
		})
		m.client.OnError(func(err error) {
			log.Warn("stream error", zap.Error(err))
		})

		if err := m.Start(ctx); err != nil {
			log.Warn("connect failed", zap.Error(err), zap.Duration("retry_in", backoff))
		} else {
			backoff = reconnectInitial
			rt.setMonitor(acct.ID, m)
			select {
			case err := <-offline:
				if err != nil {
					log.Warn("connection lost", zap.Error(err), zap.Duration("retry_in", backoff))
				} else {
					log.Info("connection closed", zap.Duration("retry_in", backoff))
				}
			case <-ctx.Done():
			}
			rt.setMonitor(acct.ID, nil)
			m.Stop()
			if ctx.Err() != nil {
				return
			}
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// ProbeResult reports the outcome of a connectivity probe.
type ProbeResult struct {
	AccountID string
	JID       string
	Host      string
	Port      int
	TLS       bool
	OK        bool
	Error     string
	Elapsed   time.Duration
}

// Probe connects the account with the short probe timeout, then tears the
// connection down.
func (rt *Runtime) Probe(ctx context.Context, accountID string) ProbeResult {
	res := ProbeResult{AccountID: account.NormalizeID(accountID)}

	acct, err := account.Require(rt.cfg, accountID)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.AccountID = acct.ID
	res.JID = acct.BareJID
	res.Host = acct.Host
	res.Port = acct.Port
	res.TLS = acct.TLS

	client, err := rt.newClient(xmpp.Config{
		JID:            acct.BareJID,
		Password:       acct.Password,
		Host:           acct.Host,
		Port:           acct.Port,
		TLS:            acct.TLS,
		Resource:       acct.Resource + "-probe",
		ConnectTimeout: xmpp.ProbeConnectTimeout,
		Logger:         rt.log.Named("probe"),
	})
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer client.Stop()

	start := time.Now()
	if err := client.Start(ctx); err != nil {
		res.Elapsed = time.Since(start)
		res.Error = err.Error()
		return res
	}
	res.Elapsed = time.Since(start)
	res.OK = true
	return res
}
