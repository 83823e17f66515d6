package distribute

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"
	"k8s.io/klog/v2"

	"graphforge/internal/exec"
	"graphforge/internal/tensor"
)

// Client is the trainer side of the exchange. It satisfies the training
// loop's Updater: gradients go to their owners and the updated values come
// back into the scope.
type Client struct {
	plan    *Plan
	trainer int
	session string
	conns   map[string]*websocket.Conn
	step    int64

	closeOnce sync.Once
}

// Dial connects trainer to every endpoint of plan. Cancelling ctx closes the
// connections.
func Dial(ctx context.Context, plan *Plan, trainer int) (*Client, error) {
	if trainer < 0 || trainer >= plan.Trainers {
		return nil, fmt.Errorf("distribute: trainer %d outside [0, %d)", trainer, plan.Trainers)
	}
	c := &Client{
		plan:    plan,
		trainer: trainer,
		session: uuid.NewString(),
		conns:   make(map[string]*websocket.Conn, len(plan.Endpoints)),
	}
	for _, ep := range plan.Endpoints {
		ws, err := websocket.Dial("ws://"+ep+Path, "", "http://"+ep+"/")
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("distribute: dial %s: %w", ep, err)
		}
		c.conns[ep] = ws
	}
	context.AfterFunc(ctx, c.Close)
	klog.Infof("trainer=%d session=%s connected endpoints=%d", trainer, c.session, len(c.conns))
	return c, nil
}

// Close closes every connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		for _, ws := range c.conns {
			ws.Close()
		}
	})
}

// Init pulls the initial parameter values from every endpoint.
func (c *Client) Init(ctx context.Context, scope *exec.Scope) error {
	return c.exchange(ctx, scope, func(string) Envelope {
		return Envelope{Type: MsgPull, Trainer: c.trainer, Step: c.step, Session: c.session}
	})
}

// Update pushes every endpoint its share of grads and blocks until all of
// them answer with updated values.
func (c *Client) Update(ctx context.Context, scope *exec.Scope, grads map[string]*tensor.Tensor) error {
	shards := make(map[string]map[string]*tensor.Tensor, len(c.conns))
	for _, ep := range c.plan.Endpoints {
		shards[ep] = map[string]*tensor.Tensor{}
	}
	for _, send := range c.plan.TrainerProgram().Sends {
		if g, ok := grads[send.Param]; ok {
			shards[send.Endpoint][send.Param] = g
		}
	}
	payloads := make(map[string]Envelope, len(shards))
	for ep, shard := range shards {
		raw, err := encodeTensors(shard)
		if err != nil {
			return err
		}
		payloads[ep] = Envelope{Type: MsgPush, Trainer: c.trainer, Step: c.step, Session: c.session, Payload: raw}
	}
	if err := c.exchange(ctx, scope, func(ep string) Envelope { return payloads[ep] }); err != nil {
		return err
	}
	c.step++
	return nil
}

// exchange sends one envelope per endpoint concurrently and writes the
// returned parameters into scope.
func (c *Client) exchange(ctx context.Context, scope *exec.Scope, request func(ep string) Envelope) error {
	type reply struct {
		ep     string
		params map[string]*tensor.Tensor
		err    error
	}
	replies := make(chan reply, len(c.conns))
	var wg sync.WaitGroup
	for ep, ws := range c.conns {
		wg.Add(1)
		go func(ep string, ws *websocket.Conn) {
			defer wg.Done()
			params, err := roundTrip(ws, request(ep))
			replies <- reply{ep: ep, params: params, err: err}
		}(ep, ws)
	}
	wg.Wait()
	close(replies)

	var errs []error
	for r := range replies {
		if r.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.ep, r.err))
			continue
		}
		for name, v := range r.params {
			if owner, _ := c.plan.Owner(name); owner != r.ep {
				errs = append(errs, fmt.Errorf("%w: %s sent %q owned by %q", ErrUnknownEndpoint, r.ep, name, owner))
				continue
			}
			store(scope, name, v)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func roundTrip(ws *websocket.Conn, req Envelope) (map[string]*tensor.Tensor, error) {
	if err := websocket.JSON.Send(ws, req); err != nil {
		return nil, fmt.Errorf("distribute: send %s: %w", req.Type, err)
	}
	var resp Envelope
	if err := websocket.JSON.Receive(ws, &resp); err != nil {
		return nil, fmt.Errorf("distribute: receive: %w", err)
	}
	switch resp.Type {
	case MsgParams:
		return decodeTensors(resp.Payload)
	case MsgError:
		return nil, remoteError(resp)
	default:
		return nil, fmt.Errorf("distribute: unexpected %q reply", resp.Type)
	}
}

// store copies v into the scope's existing tensor so that views of it stay
// valid, or adds it.
func store(scope *exec.Scope, name string, v *tensor.Tensor) {
	if cur, ok := scope.Get(name); ok && len(cur.Float) == len(v.Float) {
		copy(cur.Float, v.Float)
		return
	}
	scope.Set(name, v)
}
