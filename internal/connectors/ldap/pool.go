package ldap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/icf-remote/internal/logging"
)

// directory is the subset of *ldap.Conn used by the connector.
type directory interface {
	Bind(username, password string) error
	Add(req *ldap.AddRequest) error
	Del(req *ldap.DelRequest) error
	Modify(req *ldap.ModifyRequest) error
	ModifyDN(req *ldap.ModifyDNRequest) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	IsClosing() bool
	Close() error
}

var _ directory = (*ldap.Conn)(nil)

// dialFunc opens an unauthenticated connection to server.
type dialFunc func(ctx context.Context, server *serverInfo) (directory, error)

// bindFunc authenticates dir with the pool's service credentials.
type bindFunc func(ctx context.Context, dir directory, server *serverInfo) error

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Idle    int
	Active  int64
	Created int64
	Errors  int64
	Uptime  time.Duration
}

type pooledConn struct {
	dir      directory
	server   *serverInfo
	lastUsed time.Time
	boundAt  time.Time
	broken   bool
}

// connectionPool keeps bound directory connections for reuse across
// operations of one connector instance.
type connectionPool struct {
	ctx     context.Context
	log     logging.Logger
	config  *Config
	servers []*serverInfo
	dial    dialFunc
	bind    bindFunc
	conns   chan *pooledConn

	mu     sync.RWMutex
	closed bool

	active    atomic.Int64
	created   atomic.Int64
	errors    atomic.Int64
	startTime time.Time

	healthStop chan struct{}
	healthWg   sync.WaitGroup
}

func newConnectionPool(ctx context.Context, cfg *Config, dial dialFunc, bind bindFunc) (*connectionPool, error) {
	servers := make([]*serverInfo, 0, len(cfg.URLs))
	for _, raw := range cfg.URLs {
		server, err := parseServerURL(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid LDAP URL %s: %w", raw, err)
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		return nil, errors.New("no LDAP servers configured")
	}

	p := &connectionPool{
		ctx:        ctx,
		log:        logging.NewTFLogger(ctx, logging.SubsystemPool),
		config:     cfg,
		servers:    servers,
		dial:       dial,
		bind:       bind,
		conns:      make(chan *pooledConn, cfg.MaxConnections),
		startTime:  time.Now(),
		healthStop: make(chan struct{}),
	}
	if p.dial == nil {
		p.dial = p.dialServer
	}
	if p.bind == nil {
		p.bind = p.bindServer
	}

	if cfg.HealthCheck > 0 {
		p.startHealthChecker()
	}

	logging.LogPoolEvent(ctx, "pool_initialized", map[string]any{
		"servers":         len(servers),
		"max_connections": cfg.MaxConnections,
		"auth_method":     cfg.AuthMethod().String(),
	})
	return p, nil
}

// get returns a bound connection, reusing an idle one when possible.
func (p *connectionPool) get(ctx context.Context) (*pooledConn, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, errors.New("connection pool is closed")
	}

	for {
		var pc *pooledConn
		select {
		case pc = <-p.conns:
		default:
			return p.connect(ctx)
		}

		if !p.usable(pc) {
			p.closeConn(pc)
			continue
		}
		if p.needsRebind(pc) {
			p.log.Debug("Rebinding idle LDAP connection", map[string]any{
				"server":   pc.server.URL(),
				"bound_at": pc.boundAt.Format(time.RFC3339),
			})
			if err := p.bind(ctx, pc.dir, pc.server); err != nil {
				p.log.Warn("LDAP rebind failed", map[string]any{
					"server": pc.server.URL(),
					"error":  err.Error(),
				})
				p.closeConn(pc)
				continue
			}
			pc.boundAt = time.Now()
		}
		pc.lastUsed = time.Now()
		p.active.Add(1)
		return pc, nil
	}
}

// connect dials the configured servers in order until one binds.
func (p *connectionPool) connect(ctx context.Context) (*pooledConn, error) {
	var lastErr error
	for _, server := range p.servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dir, err := p.dial(ctx, server)
		if err == nil {
			err = p.bind(ctx, dir, server)
			if err != nil {
				_ = dir.Close()
				err = &bindError{cause: err}
			}
		}
		if err != nil {
			lastErr = err
			p.errors.Add(1)
			logging.LogPoolEvent(p.ctx, "connection_failed", map[string]any{
				"server": server.URL(),
				"error":  err.Error(),
			})
			continue
		}

		p.log.Trace("LDAP connection bound", map[string]any{
			"server": server.URL(),
		})

		now := time.Now()
		p.created.Add(1)
		p.active.Add(1)
		return &pooledConn{dir: dir, server: server, lastUsed: now, boundAt: now}, nil
	}

	var be *bindError
	if errors.As(lastErr, &be) {
		return nil, be.cause
	}
	return nil, &connectionError{message: "no LDAP server reachable", cause: lastErr}
}

// put returns pc to the pool, discarding it when broken or surplus.
func (p *connectionPool) put(pc *pooledConn) {
	if pc == nil {
		return
	}
	p.active.Add(-1)
	if !pc.broken {
		pc.lastUsed = time.Now()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || !p.usable(pc) {
		p.closeConn(pc)
		return
	}

	select {
	case p.conns <- pc:
	default:
		p.closeConn(pc)
	}
}

// withConn runs fn on a pooled connection, retrying with exponential backoff
// while the failure is a transport problem.
func (p *connectionPool) withConn(ctx context.Context, fn func(directory) error) error {
	backoff := p.config.InitialBackoff

	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			p.log.Debug("Retrying LDAP operation", map[string]any{
				"attempt": attempt,
				"backoff": backoff.String(),
				"error":   lastErr.Error(),
			})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(time.Duration(float64(backoff)*p.config.BackoffFactor), p.config.MaxBackoff)
		}

		pc, err := p.get(ctx)
		if err != nil {
			if !isRetryable(err) {
				return err
			}
			lastErr = err
			continue
		}

		err = fn(pc.dir)
		if err != nil && isRetryable(err) {
			pc.broken = true
			p.put(pc)
			lastErr = err
			continue
		}
		p.put(pc)
		return err
	}

	return lastErr
}

// open dials a fresh unbound connection outside the pool; the caller owns it.
func (p *connectionPool) open(ctx context.Context) (directory, error) {
	var lastErr error
	for _, server := range p.servers {
		dir, err := p.dial(ctx, server)
		if err == nil {
			return dir, nil
		}
		lastErr = err
	}
	return nil, &connectionError{message: "no LDAP server reachable", cause: lastErr}
}

func (p *connectionPool) usable(pc *pooledConn) bool {
	if pc == nil || pc.dir == nil || pc.broken || pc.dir.IsClosing() {
		return false
	}
	return time.Since(pc.lastUsed) < p.config.MaxIdleTime
}

func (p *connectionPool) needsRebind(pc *pooledConn) bool {
	if p.config.AuthMethod() == AuthMethodAnonymous || p.config.ReauthenticateAfter <= 0 {
		return false
	}
	return time.Since(pc.boundAt) > p.config.ReauthenticateAfter
}

func (p *connectionPool) closeConn(pc *pooledConn) {
	if pc != nil && pc.dir != nil {
		_ = pc.dir.Close()
		pc.broken = true
	}
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	return PoolStats{
		Idle:    len(p.conns),
		Active:  p.active.Load(),
		Created: p.created.Load(),
		Errors:  p.errors.Load(),
		Uptime:  time.Since(p.startTime),
	}
}

// Close closes idle connections and stops the health checker.
func (p *connectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.healthStop)
	p.healthWg.Wait()

	p.mu.Lock()
	close(p.conns)
	for pc := range p.conns {
		p.closeConn(pc)
	}
	p.mu.Unlock()

	logging.LogPoolEvent(p.ctx, "pool_closed", map[string]any{
		"created": p.created.Load(),
		"errors":  p.errors.Load(),
	})
	return nil
}

func (p *connectionPool) startHealthChecker() {
	ticker := time.NewTicker(p.config.HealthCheck)

	p.healthWg.Go(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.checkIdle()
			case <-p.healthStop:
				return
			}
		}
	})
}

// checkIdle pings up to three idle connections and drops the ones that fail.
func (p *connectionPool) checkIdle() {
	var toCheck []*pooledConn

collect:
	for range 3 {
		select {
		case pc := <-p.conns:
			toCheck = append(toCheck, pc)
		default:
			break collect
		}
	}

	for _, pc := range toCheck {
		p.active.Add(1)
		if err := rootDSE(pc.dir); err != nil {
			pc.broken = true
			logging.LogPoolEvent(p.ctx, "health_check_failed", map[string]any{
				"server": pc.server.URL(),
				"error":  err.Error(),
			})
		}
		p.put(pc)
	}
}

// rootDSE reads the root DSE, which every LDAPv3 server exposes.
func rootDSE(dir directory) error {
	req := ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 0, false,
		"(objectClass=*)",
		[]string{"namingContexts", "defaultNamingContext"},
		nil,
	)
	_, err := dir.Search(req)
	return err
}

// dialServer connects with LDAPS or StartTLS as configured.
func (p *connectionPool) dialServer(ctx context.Context, server *serverInfo) (directory, error) {
	tlsCfg, err := p.config.tlsConfig(server.Host)
	if err != nil {
		return nil, err
	}

	opts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: p.config.Timeout})}
	if server.UseTLS {
		opts = append(opts, ldap.DialWithTLSConfig(tlsCfg))
	}

	logging.LogConnectionEvent(ctx, logging.SubsystemLDAP, "connection_attempt", map[string]any{
		"server": server.URL(),
	})

	conn, err := ldap.DialURL(server.URL(), opts...)
	if err != nil {
		return nil, &connectionError{message: "failed to connect to " + server.URL(), cause: err}
	}

	if !server.UseTLS && p.config.StartTLS {
		if err := conn.StartTLS(tlsCfg); err != nil {
			_ = conn.Close()
			return nil, &connectionError{message: "StartTLS failed on " + server.URL(), cause: err}
		}
	}

	conn.SetTimeout(p.config.Timeout)

	logging.LogConnectionEvent(ctx, logging.SubsystemLDAP, "connection_established", map[string]any{
		"server": server.URL(),
	})
	return conn, nil
}

// bindServer authenticates with the configured service credentials.
func (p *connectionPool) bindServer(ctx context.Context, dir directory, server *serverInfo) error {
	switch method := p.config.AuthMethod(); method {
	case AuthMethodAnonymous:
		return nil
	case AuthMethodSimpleBind:
		return dir.Bind(p.config.BindDN, p.config.BindPassword)
	case AuthMethodKerberos, AuthMethodExternal:
		conn, ok := dir.(*ldap.Conn)
		if !ok {
			return fmt.Errorf("%s bind requires a network connection", method)
		}
		if method == AuthMethodExternal {
			return conn.ExternalBind()
		}
		return kerberosBind(ctx, conn, p.config, server)
	default:
		return fmt.Errorf("unsupported authentication method: %s", method)
	}
}

// bindError marks a service bind failure, which retrying cannot fix.
type bindError struct {
	cause error
}

func (e *bindError) Error() string { return "service bind failed: " + e.cause.Error() }

func (e *bindError) Unwrap() error { return e.cause }
