package natskv

import (
	"context"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go/jetstream"
)

// Conn is a semstreams NATS client with JetStream, optionally backed by an
// in-process server.
type Conn struct {
	Client *natsclient.Client
	JS     jetstream.JetStream

	url      string
	embedded *server.Server
}

// Connect dials url. When url is empty an embedded JetStream server is
// started on a random port; storeDir persists its data (empty = temp dir).
func Connect(ctx context.Context, url, storeDir string) (*Conn, error) {
	c := &Conn{}

	if url == "" {
		opts := &server.Options{
			Port:      -1,
			JetStream: true,
			StoreDir:  storeDir,
			NoLog:     true,
			NoSigs:    true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("create embedded NATS server: %w", err)
		}
		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start")
		}
		c.embedded = ns
		url = ns.ClientURL()
	}
	c.url = url

	client, err := natsclient.NewClient(url,
		natsclient.WithName("testgen"),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
	)
	if err != nil {
		c.shutdownServer()
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		c.shutdownServer()
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	c.Client = client

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		c.Close()
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	js, err := client.JetStream()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	c.JS = js

	return c, nil
}

// URL returns the address Connect dialed.
func (c *Conn) URL() string {
	return c.url
}

// Embedded reports whether Connect started an in-process server.
func (c *Conn) Embedded() bool {
	return c.embedded != nil
}

// Close closes the client and stops the embedded server, if any.
func (c *Conn) Close() error {
	if c.Client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Client.Close(ctx)
	}
	c.shutdownServer()
	return nil
}

func (c *Conn) shutdownServer() {
	if c.embedded != nil {
		c.embedded.Shutdown()
		c.embedded.WaitForShutdown()
	}
}
