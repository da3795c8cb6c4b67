// Package agent mirrors the inventory of remote hosts into the controller
// and serves the inventory of this host to a controller.
package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/jpvargasdev/Auspex/internal/component"
	"github.com/jpvargasdev/Auspex/internal/events"
	"github.com/jpvargasdev/Auspex/internal/metrics"
	"github.com/jpvargasdev/Auspex/internal/model"
	"github.com/jpvargasdev/Auspex/internal/resolver"
	"github.com/jpvargasdev/Auspex/internal/store"
)

var logger = loggo.GetLogger("auspex.agent")

// SecretHeader carries the shared secret on every agent request.
const SecretHeader = "X-Wud-Agent-Secret"

// Provider is the component type of agent clients.
const Provider = "wud"

const (
	defaultPort    = 3000
	streamRetry    = time.Second
	connectRetry   = 5 * time.Second
	requestTimeout = 30 * time.Second
)

// State of the connection to an agent.
type State int

const (
	Disconnected State = iota
	Connecting
	Synced
	Streaming
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Synced:
		return "synced"
	case Streaming:
		return "streaming"
	}
	return "disconnected"
}

// StatusError is a non-2xx answer of an agent.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent answered %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("agent answered %d: %s", e.Code, e.Message)
}

type clientConfig struct {
	host     string
	port     int
	secret   string
	caFile   string
	certFile string
	keyFile  string
}

func parseClientConfig(cfg component.Config) (clientConfig, error) {
	c := clientConfig{
		host:     cfg.Get("host", ""),
		port:     cfg.Int("port", defaultPort),
		secret:   cfg.Get("secret", ""),
		caFile:   cfg.Get("cafile", ""),
		certFile: cfg.Get("certfile", ""),
		keyFile:  cfg.Get("keyfile", ""),
	}
	if c.secret == "" {
		if f := cfg.Get("secretfile", ""); f != "" {
			raw, err := os.ReadFile(f)
			if err != nil {
				return c, errors.Annotatef(err, "reading secret file")
			}
			c.secret = strings.TrimSpace(string(raw))
		}
	}
	return c, c.validate()
}

func (c clientConfig) validate() error {
	if c.host == "" {
		return errors.BadRequestf("host is required")
	}
	if c.secret == "" {
		return errors.BadRequestf("secret or secretfile is required")
	}
	if (c.certFile == "") != (c.keyFile == "") {
		return errors.BadRequestf("certfile and keyfile must be set together")
	}
	if c.port <= 0 || c.port > 65535 {
		return errors.BadRequestf("invalid port %d", c.port)
	}
	return nil
}

func (c clientConfig) tls() bool {
	return c.caFile != "" || c.certFile != "" || c.keyFile != ""
}

func (c clientConfig) baseURL() string {
	host := strings.TrimSuffix(c.host, "/")
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	scheme := "http"
	if c.tls() {
		scheme = "https"
	}
	return scheme + "://" + host + ":" + strconv.Itoa(c.port)
}

func (c clientConfig) tlsConfig() (*tls.Config, error) {
	if !c.tls() {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.caFile != "" {
		pem, err := os.ReadFile(c.caFile)
		if err != nil {
			return nil, errors.Annotate(err, "reading ca file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.NotValidf("ca file %s", c.caFile)
		}
		cfg.RootCAs = pool
	} else {
		// agents commonly serve self-signed certificates
		cfg.InsecureSkipVerify = true
	}
	if c.certFile != "" {
		cert, err := tls.LoadX509KeyPair(c.certFile, c.keyFile)
		if err != nil {
			return nil, errors.Annotate(err, "loading client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Deps are the controller services an agent client feeds.
type Deps struct {
	Store   *store.Store
	Bus     *events.Bus
	Metrics *metrics.Collector
	Clock   clock.Clock
}

func (d *Deps) setDefaults() {
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	if d.Bus == nil {
		d.Bus = events.NewBus()
	}
	if d.Store == nil {
		d.Store = store.New(d.Bus, nil)
	}
}

// Client keeps the controller in sync with one agent: it mirrors the
// agent inventory into the store, registers proxies for the agent
// components and reconnects when the event stream drops.
type Client struct {
	component.Base
	rt      *component.Registry
	deps    Deps
	cfg     clientConfig
	baseURL string
	api     *http.Client
	stream  *http.Client

	mu       sync.Mutex
	state    State
	version  string
	attempts int
	timer    clock.Timer
	// stop ends the stream of the current attempt
	stop   context.CancelFunc
	ctx    context.Context
	cancel context.CancelFunc
	done   sync.WaitGroup
}

func newClient(rt *component.Registry, spec component.Spec, deps Deps) (*Client, error) {
	cfg, err := parseClientConfig(spec.Config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	tlsCfg, err := cfg.tlsConfig()
	if err != nil {
		return nil, errors.Trace(err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg
	return &Client{
		Base:    component.NewBase(component.KindAgent, spec.Provider, spec.Name, "", spec.Config),
		rt:      rt,
		deps:    deps,
		cfg:     cfg,
		baseURL: cfg.baseURL(),
		api:     &http.Client{Transport: transport, Timeout: requestTimeout},
		stream:  &http.Client{Transport: transport},
	}, nil
}

// Init starts the connection cycle. It does not wait for the agent.
func (c *Client) Init(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	logger.Infof("agent %s: connecting to %s", c.Name(), c.baseURL)
	c.connect()
	return nil
}

func (c *Client) Deregister(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.done.Wait()
	c.setState(Disconnected)
	return errors.Trace(c.rt.DeregisterAgentComponents(ctx, c.Name()))
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the agent inventory is mirrored.
func (c *Client) Connected() bool {
	s := c.State()
	return s == Synced || s == Streaming
}

// Version is the agent version received in the last handshake.
func (c *Client) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.deps.Metrics.AgentConnected(c.Name(), s == Synced || s == Streaming)
}

// connect starts a connection attempt. A pending reconnect and the stream
// of the previous attempt are cancelled.
func (c *Client) connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.stop != nil {
		c.stop()
	}
	if c.ctx == nil || c.ctx.Err() != nil {
		return
	}
	ctx, stop := context.WithCancel(c.ctx)
	c.stop = stop
	c.attempts++
	c.state = Connecting
	c.done.Add(1)
	go func() {
		defer c.done.Done()
		c.run(ctx)
	}()
}

// reconnect schedules one connection attempt after d. At most one attempt
// is pending at any time.
func (c *Client) reconnect(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil || c.ctx.Err() != nil || c.timer != nil {
		return
	}
	logger.Debugf("agent %s: reconnecting in %s", c.Name(), d)
	var t clock.Timer
	t = c.deps.Clock.AfterFunc(d, func() {
		c.mu.Lock()
		// superseded by a fresh attempt
		stale := c.timer != t
		c.mu.Unlock()
		if !stale {
			c.connect()
		}
	})
	c.timer = t
}

func (c *Client) run(ctx context.Context) {
	body, err := c.openStream(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Errorf("agent %s: connection failed: %v", c.Name(), err)
		c.setState(Disconnected)
		c.reconnect(connectRetry)
		return
	}
	defer body.Close()

	err = c.consume(ctx, body)
	if ctx.Err() != nil {
		return
	}
	c.setState(Connecting)
	if err != nil {
		logger.Errorf("agent %s: event stream: %v", c.Name(), err)
	} else {
		logger.Warningf("agent %s: event stream ended", c.Name())
	}
	c.reconnect(streamRetry)
}

func (c *Client) openStream(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/events", nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	req.Header.Set(SecretHeader, c.cfg.secret)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

// consume handles the frames of one stream in arrival order.
func (c *Client) consume(ctx context.Context, body io.Reader) error {
	s := newFrameScanner(body)
	for s.Next() {
		if err := c.handleFrame(ctx, s.Frame()); err != nil {
			return errors.Trace(err)
		}
	}
	return s.Err()
}

func (c *Client) handleFrame(ctx context.Context, f Frame) error {
	logger.Tracef("agent %s: frame %s", c.Name(), f.Type)
	switch events.Type(f.Type) {
	case FrameAck:
		var ack ackData
		if err := json.Unmarshal(f.Data, &ack); err != nil {
			logger.Warningf("agent %s: malformed ack: %v", c.Name(), err)
		}
		c.mu.Lock()
		c.version = ack.Version
		c.mu.Unlock()
		if err := c.handshake(ctx); err != nil {
			return errors.Annotate(err, "handshake")
		}
		c.setState(Streaming)
	case events.ContainerAdded, events.ContainerUpdated:
		var ct model.Container
		if err := json.Unmarshal(f.Data, &ct); err != nil {
			logger.Warningf("agent %s: malformed container in %s: %v", c.Name(), f.Type, err)
			return nil
		}
		c.process(ctx, ct)
	case events.ContainerRemoved:
		var rm removedData
		if err := json.Unmarshal(f.Data, &rm); err != nil || rm.ID == "" {
			logger.Warningf("agent %s: malformed %s frame", c.Name(), f.Type)
			return nil
		}
		c.deps.Store.Delete(model.ScopeID(c.Name(), rm.ID))
	default:
		logger.Debugf("agent %s: ignoring frame %s", c.Name(), f.Type)
	}
	return nil
}

// handshake mirrors the agent inventory and components.
func (c *Client) handshake(ctx context.Context) error {
	var containers []model.Container
	if err := c.do(ctx, http.MethodGet, "/api/containers", nil, &containers); err != nil {
		return errors.Annotate(err, "listing containers")
	}
	logger.Infof("agent %s (version %s): %d containers", c.Name(), c.Version(), len(containers))

	keep := set.NewStrings()
	reports := make([]model.ContainerReport, 0, len(containers))
	for _, ct := range containers {
		r := c.process(ctx, ct)
		keep.Add(r.Container.ID)
		reports = append(reports, r)
	}
	for _, stale := range c.deps.Store.List(store.ByAgent(c.Name())) {
		if !keep.Contains(stale.ID) {
			c.deps.Store.Delete(stale.ID)
		}
	}
	c.deps.Bus.EmitContainerReports(ctx, reports)

	if err := c.rt.DeregisterAgentComponents(ctx, c.Name()); err != nil {
		logger.Warningf("agent %s: %v", c.Name(), err)
	}
	c.registerRemote(ctx, component.KindWatcher, "/api/watchers")
	c.registerRemote(ctx, component.KindTrigger, "/api/triggers")
	c.setState(Synced)
	return nil
}

func (c *Client) registerRemote(ctx context.Context, kind component.Kind, path string) {
	var descs []Descriptor
	if err := c.do(ctx, http.MethodGet, path, nil, &descs); err != nil {
		logger.Warningf("agent %s: listing %ss: %v", c.Name(), kind, err)
		return
	}
	for _, d := range descs {
		if _, err := c.rt.RegisterComponent(ctx, kind, d.Type, d.Name, d.Configuration, c.Name()); err != nil {
			logger.Warningf("agent %s: registering %s %s: %v", c.Name(), kind, d.ID, err)
		}
	}
}

// process runs version resolution on a container reported by the agent
// and stores it under the agent scope.
func (c *Client) process(ctx context.Context, ct model.Container) model.ContainerReport {
	ct.ID = model.ScopeID(c.Name(), ct.ID)
	ct.Agent = c.Name()
	ct = resolver.Process(ctx, c.rt, ct, nil)
	r := c.deps.Store.Upsert(ct)
	c.deps.Bus.EmitContainerReport(ctx, r)
	return r
}

// wire returns the container as the agent knows it.
func wire(ct model.Container) model.Container {
	ct.ID = ct.RemoteID()
	ct.Agent = ""
	return ct
}

func (c *Client) RunRemoteTrigger(ctx context.Context, ct model.Container, typ, name string) error {
	return c.do(ctx, http.MethodPost, "/api/triggers/"+segments(typ, name), wire(ct), nil)
}

func (c *Client) RunRemoteTriggerBatch(ctx context.Context, cs []model.Container, typ, name string) error {
	body := make([]model.Container, len(cs))
	for i, ct := range cs {
		body[i] = wire(ct)
	}
	return c.do(ctx, http.MethodPost, "/api/triggers/"+segments(typ, name)+"/batch", body, nil)
}

// Watch runs a watcher of the agent and resolves the reported containers again.
func (c *Client) Watch(ctx context.Context, typ, name string) ([]model.ContainerReport, error) {
	var remote []model.ContainerReport
	if err := c.do(ctx, http.MethodPost, "/api/watchers/"+segments(typ, name), nil, &remote); err != nil {
		return nil, errors.Trace(err)
	}
	out := make([]model.ContainerReport, 0, len(remote))
	for _, r := range remote {
		out = append(out, c.process(ctx, r.Container))
	}
	return out, nil
}

// WatchContainer runs a watcher of the agent on one container.
func (c *Client) WatchContainer(ctx context.Context, typ, name string, ct model.Container) (model.ContainerReport, error) {
	var remote model.ContainerReport
	path := "/api/watchers/" + segments(typ, name) + "/container/" + url.PathEscape(ct.RemoteID())
	if err := c.do(ctx, http.MethodPost, path, nil, &remote); err != nil {
		return model.ContainerReport{}, errors.Trace(err)
	}
	return c.process(ctx, remote.Container), nil
}

// DeleteContainer removes a container from the agent inventory. The
// controller copy goes away with the removal event.
func (c *Client) DeleteContainer(ctx context.Context, id string) error {
	raw := model.Container{ID: id, Agent: c.Name()}.RemoteID()
	return c.do(ctx, http.MethodDelete, "/api/containers/"+url.PathEscape(raw), nil, nil)
}

func segments(typ, name string) string {
	return url.PathEscape(typ) + "/" + url.PathEscape(name)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errors.Trace(err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Trace(err)
	}
	req.Header.Set(SecretHeader, c.cfg.secret)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.api.Do(req)
	if err != nil {
		return errors.Annotatef(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	return errors.Annotatef(json.NewDecoder(resp.Body).Decode(out), "decoding %s", path)
}

// statusError converts an agent answer into an error of the matching kind.
func statusError(resp *http.Response) error {
	se := &StatusError{Code: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err == nil {
		se.Message = body.Error
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return errors.NewUnauthorized(se, "")
	case http.StatusNotFound:
		return errors.NewNotFound(se, "")
	case http.StatusBadRequest:
		return errors.NewBadRequest(se, "")
	}
	return se
}

// Lookup returns the client of a registered agent by name.
func Lookup(rt *component.Registry, agent string) (*Client, bool) {
	for _, c := range component.All[*Client](rt, component.KindAgent) {
		if c.Name() == agent {
			return c, true
		}
	}
	return nil, false
}
