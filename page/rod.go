package page

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"golang.org/x/net/html"
)

//go:embed agent.js
var agentJS []byte

const bindingName = "__streamrelay_emit"

// RodOptions configures the browser attachment.
type RodOptions struct {
	// URL is the page to open and observe.
	URL string

	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// Headful disables headless mode for manual supervision.
	Headful bool

	// ContainerSelector is the CSS selector (comma list allowed) the
	// agent tags with the synthetic id attribute and observes.
	ContainerSelector string

	// IDAttr is the synthetic id attribute name.
	IDAttr string

	// NavigateTimeout bounds navigation plus initial load.
	NavigateTimeout time.Duration

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	Logger *slog.Logger
}

func (o *RodOptions) applyDefaults() {
	if o.IDAttr == "" {
		o.IDAttr = "data-sr-id"
	}
	if o.NavigateTimeout <= 0 {
		o.NavigateTimeout = 30 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Rod implements Handle over a live Chrome tab.
type Rod struct {
	opts    RodOptions
	browser *rod.Browser
	lnch    *launcher.Launcher
	page    *rod.Page
	events  chan Event
	ctx     context.Context
	cancel  context.CancelFunc
}

// Attach launches (or connects to) Chrome, opens the target page with
// stealth applied, injects the overlay agent, and starts the event
// pump. The returned handle is ready for Snapshot calls.
func Attach(ctx context.Context, opts RodOptions) (*Rod, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("page: url is required")
	}
	if opts.ContainerSelector == "" {
		return nil, fmt.Errorf("page: container selector is required")
	}
	opts.applyDefaults()

	r := &Rod{opts: opts, events: make(chan Event, opts.EventBuffer)}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	if err := r.connect(); err != nil {
		return nil, err
	}

	p, err := stealth.Page(r.browser)
	if err != nil {
		r.teardown()
		return nil, fmt.Errorf("page: create tab: %w", err)
	}
	r.page = p

	navCtx, cancel := context.WithTimeout(ctx, opts.NavigateTimeout)
	defer cancel()
	if err := p.Context(navCtx).Navigate(opts.URL); err != nil {
		r.teardown()
		return nil, fmt.Errorf("page: navigate %s: %w", opts.URL, err)
	}
	if err := p.Context(navCtx).WaitLoad(); err != nil {
		opts.Logger.Warn("page: wait load timeout", "url", opts.URL, "error", err)
	}

	if err := r.injectAgent(); err != nil {
		r.teardown()
		return nil, err
	}

	opts.Logger.Info("page: attached", "url", opts.URL)
	return r, nil
}

func (r *Rod) connect() error {
	var wsURL string
	if r.opts.RemoteURL != "" {
		wsURL = r.opts.RemoteURL
		r.opts.Logger.Info("page: connecting to remote browser", "url", wsURL)
	} else {
		l := launcher.New().
			Headless(!r.opts.Headful).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("page: launch browser: %w", err)
		}
		wsURL = u
		r.lnch = l
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("page: connect browser: %w", err)
	}
	r.browser = b
	return nil
}

func (r *Rod) injectAgent() error {
	err := proto.RuntimeAddBinding{Name: bindingName}.Call(r.page)
	if err != nil {
		r.opts.Logger.Warn("page: add binding failed (may already exist)", "error", err)
	}

	go r.listenBinding()

	conf, _ := json.Marshal(map[string]string{
		"containerSelector": r.opts.ContainerSelector,
		"idAttr":            r.opts.IDAttr,
	})
	if _, err := r.page.Eval(fmt.Sprintf("() => { window.__streamrelay_conf = %s; }", conf)); err != nil {
		return fmt.Errorf("page: set agent config: %w", err)
	}
	if _, err := r.page.Eval(string(agentJS)); err != nil {
		return fmt.Errorf("page: inject agent: %w", err)
	}
	r.opts.Logger.Debug("page: agent injected", "url", r.opts.URL)
	return nil
}

// listenBinding pumps agent calls into the Events channel. Events are
// dropped when the buffer is full; a later mutation ping always
// resynchronizes the engine from a fresh snapshot.
func (r *Rod) listenBinding() {
	defer close(r.events)
	r.page.Context(r.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		var ev Event
		if err := json.Unmarshal([]byte(e.Payload), &ev); err != nil {
			r.opts.Logger.Warn("page: parse agent event", "error", err)
			return
		}
		select {
		case r.events <- ev:
		default:
			r.opts.Logger.Warn("page: event buffer full, dropping", "kind", ev.Kind)
		}
	})()
}

func (r *Rod) Snapshot(ctx context.Context) (*html.Node, error) {
	res, err := r.page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("page: snapshot: %w", err)
	}
	doc, err := html.Parse(strings.NewReader(res.Value.Str()))
	if err != nil {
		return nil, fmt.Errorf("page: parse snapshot: %w", err)
	}
	return doc, nil
}

func (r *Rod) ContainerHTML(ctx context.Context, id string) (string, error) {
	res, err := r.page.Context(ctx).Eval(`(attr, id) => {
		const el = document.querySelector('[' + attr + '="' + id + '"]');
		return el ? el.outerHTML : '';
	}`, r.opts.IDAttr, id)
	if err != nil {
		return "", fmt.Errorf("page: container html: %w", err)
	}
	s := res.Value.Str()
	if s == "" {
		return "", fmt.Errorf("page: container %s not found", id)
	}
	return s, nil
}

func (r *Rod) SetControls(ctx context.Context, states ...ElementState) error {
	if len(states) == 0 {
		return nil
	}
	payload, err := json.Marshal(states)
	if err != nil {
		return fmt.Errorf("page: marshal controls: %w", err)
	}
	_, err = r.page.Context(ctx).Eval(`(json) => window.__streamrelay.setControls(JSON.parse(json))`, string(payload))
	if err != nil {
		return fmt.Errorf("page: set controls: %w", err)
	}
	return nil
}

func (r *Rod) SetIndicator(ctx context.Context, id string, index int, state ControlState) error {
	return r.SetControls(ctx, ElementState{ContainerID: id, Index: index, State: state})
}

func (r *Rod) ShowEditModal(ctx context.Context, id string, index int, text string) error {
	_, err := r.page.Context(ctx).Eval(`(id, idx, text) => window.__streamrelay.openEditor(id, idx, text)`,
		id, index, text)
	if err != nil {
		return fmt.Errorf("page: open editor: %w", err)
	}
	return nil
}

func (r *Rod) Toast(ctx context.Context, text string, kind ToastKind) error {
	_, err := r.page.Context(ctx).Eval(`(text, kind) => window.__streamrelay.toast(text, kind)`,
		text, string(kind))
	if err != nil {
		return fmt.Errorf("page: toast: %w", err)
	}
	return nil
}

func (r *Rod) Events() <-chan Event { return r.events }

func (r *Rod) Close() error {
	r.cancel()
	r.teardown()
	return nil
}

func (r *Rod) teardown() {
	if r.page != nil {
		r.page.Close()
		r.page = nil
	}
	if r.browser != nil {
		r.browser.Close()
		r.browser = nil
	}
	if r.lnch != nil {
		r.lnch.Cleanup()
		r.lnch = nil
	}
}
