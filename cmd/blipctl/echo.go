package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/strand-protocol/blip/internal/blipmetrics"
	"github.com/strand-protocol/blip/pkg/blip"
	"github.com/strand-protocol/blip/pkg/blipmsg"
	"github.com/strand-protocol/blip/pkg/blipws"
	"github.com/strand-protocol/blip/pkg/bliptimer"
	"github.com/strand-protocol/blip/pkg/properties"
)

// echoServerDelegate answers every Request with its own body (spec §8
// scenario S1). The Connection it replies through isn't known until after
// construction returns, so OnRequestReceived blocks on connCh the first
// time it needs one.
type echoServerDelegate struct {
	connCh chan *blip.Connection
	conn   *blip.Connection
}

func newEchoServerDelegate() *echoServerDelegate {
	return &echoServerDelegate{connCh: make(chan *blip.Connection, 1)}
}

func (d *echoServerDelegate) OnOpen(http.Header) {
	log.Info("blip connection opened")
}

func (d *echoServerDelegate) OnRequestReceived(msg *blipmsg.MessageIn) {
	if d.conn == nil {
		d.conn = <-d.connCh
	}
	log.Info("echoing request", zap.String("profile", msg.Profile()), zap.Int("body_bytes", len(msg.Body())))
	if msg.Flags.NoReply() {
		return
	}
	if err := d.conn.Respond(msg, properties.NewBuilder(), msg.Body()); err != nil {
		log.Error("respond failed", zap.Error(err))
	}
}

func (d *echoServerDelegate) OnResponseReceived(*blipmsg.MessageIn) {}
func (d *echoServerDelegate) OnClose(blipws.CloseStatus)            {}

var echoServerCmd = &cobra.Command{
	Use:   "echo-server",
	Short: "Accept BLIP connections and echo every Request's body back as its Response",
	RunE: func(cmd *cobra.Command, args []string) error {
		timer := bliptimer.New()
		defer timer.Close()
		metrics := blipmetrics.NewMetrics()

		upgrader := websocket.Upgrader{}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/_blipsync", func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				log.Error("upgrade failed", zap.Error(err))
				return
			}
			delegate := newEchoServerDelegate()
			opts := blipws.Options{HeartbeatInterval: cfg.HeartbeatInterval, MaxMessageSize: cfg.MaxMessageSize, Log: log}
			c := blip.NewServerConnection(conn, timer, delegate, opts, metrics)
			delegate.connCh <- c
		})

		log.Info("blipctl echo-server listening", zap.String("addr", cfg.ListenAddr))
		return http.ListenAndServe(cfg.ListenAddr, mux)
	},
}

var (
	echoClientURL     string
	echoClientMessage string
)

// echoClientCmd sends one Request and prints the echoed reply. With
// --loopback it skips the network entirely, wiring a server delegate
// directly to a client delegate through blipws.NewLoopbackPair.
var echoClientCmd = &cobra.Command{
	Use:   "echo-client",
	Short: "Send a single echo Request and print the reply",
	RunE: func(cmd *cobra.Command, args []string) error {
		if loopback {
			return runLoopbackEcho(echoClientMessage)
		}
		return runNetworkEcho(echoClientURL, echoClientMessage)
	},
}

func runNetworkEcho(url, message string) error {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	timer := bliptimer.New()
	defer timer.Close()

	opts := blipws.Options{HeartbeatInterval: cfg.HeartbeatInterval, MaxMessageSize: cfg.MaxMessageSize, Log: log}
	c := blip.Dial(conn, timer, passiveDelegate{}, opts, nil)
	return sendEchoAndPrint(c, message)
}

func runLoopbackEcho(message string) error {
	timer := bliptimer.New()
	defer timer.Close()

	serverDelegate := newEchoServerDelegate()
	clientEngine := blip.NewEngine(log, passiveDelegate{}, nil)
	serverEngine := blip.NewEngine(log, serverDelegate, nil)

	opts := blipws.Options{HeartbeatInterval: cfg.HeartbeatInterval, Log: log}
	clientSock, serverSock := blipws.NewLoopbackPair(clientEngine, serverEngine, timer, opts)
	clientEngine.Attach(clientSock)
	serverEngine.Attach(serverSock)

	client := blip.WrapEngine(clientEngine)
	serverDelegate.connCh <- blip.WrapEngine(serverEngine)

	return sendEchoAndPrint(client, message)
}

// passiveDelegate has nothing to do for inbound requests, responses, or
// close — the client side of the echo demo only cares about SendRequest's
// own reply callback.
type passiveDelegate struct{}

func (passiveDelegate) OnOpen(http.Header)                   {}
func (passiveDelegate) OnRequestReceived(*blipmsg.MessageIn)  {}
func (passiveDelegate) OnResponseReceived(*blipmsg.MessageIn) {}
func (passiveDelegate) OnClose(blipws.CloseStatus)            {}

func sendEchoAndPrint(c *blip.Connection, message string) error {
	type result struct {
		msg *blipmsg.MessageIn
		err error
	}
	replyCh := make(chan result, 1)

	props := properties.NewBuilder().SetProfile("echo")
	c.SendRequest(props, []byte(message), nil, blip.OutgoingOptions{}, func(msg *blipmsg.MessageIn, err error) {
		replyCh <- result{msg, err}
	})

	select {
	case r := <-replyCh:
		if r.err != nil {
			return r.err
		}
		fmt.Printf("reply: %s\n", string(r.msg.Body()))
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timed out waiting for reply")
	}
}

func init() {
	echoClientCmd.Flags().StringVar(&echoClientURL, "url", "ws://localhost:4984/_blipsync", "BLIP server URL to dial")
	echoClientCmd.Flags().StringVar(&echoClientMessage, "message", "hello", "message body to echo")
	rootCmd.AddCommand(echoServerCmd, echoClientCmd)
}
