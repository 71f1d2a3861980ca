// Command watch is a telemetry client for cadenced: it streams snapshots,
// sends control commands and can generate WebSocket load.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"

	"github.com/MRamiBalles/cadence/internal/network"
)

var (
	serverAddr string
	useH2C     bool
)

var rootCmd = &cobra.Command{
	Use:   "watch",
	Short: "Telemetry client for cadenced",
	Long: `watch connects to a running cadenced.

Commands:
  stream   Print coordination snapshots and events as they arrive
  send     Send one control command (distress, retarget, restart)
  status   Fetch engine status over HTTP
  agitate  Open many WebSocket clients and measure command round trips`,
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "localhost:8080", "cadenced address (host:port)")
	rootCmd.PersistentFlags().BoolVar(&useH2C, "h2c", false, "Use cleartext HTTP/2 for REST calls")
}

func wsURL() string {
	u := url.URL{Scheme: "ws", Host: serverAddr, Path: "/ws"}
	return u.String()
}

func dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", wsURL(), err)
	}
	return conn, nil
}

// httpClient returns a plain client, or one speaking HTTP/2 over cleartext.
func httpClient() *http.Client {
	if !useH2C {
		return &http.Client{Timeout: 5 * time.Second}
	}
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, netw, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, netw, addr)
			},
		},
	}
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Print coordination snapshots and events as they arrive",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer conn.Close()

		go func() {
			<-cmd.Context().Done()
			conn.Close()
		}()

		for {
			var msg network.Message
			if err := conn.ReadJSON(&msg); err != nil {
				if cmd.Context().Err() != nil {
					return nil
				}
				return err
			}
			printMessage(msg)
		}
	},
}

var (
	sendLoop     string
	sendSeverity string
	sendDetail   string
	sendHz       float64
)

var sendCmd = &cobra.Command{
	Use:   "send <distress|retarget|restart>",
	Short: "Send one control command",
	Long: `Examples:
  watch send distress --loop reflex --severity warning
  watch send distress --severity critical
  watch send retarget --loop pattern --hz 120
  watch send restart --loop pattern`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := network.Command{
			Type:     strings.ToUpper(args[0]),
			LoopID:   sendLoop,
			Severity: sendSeverity,
			Detail:   sendDetail,
			Hz:       sendHz,
			Ref:      fmt.Sprintf("watch-%d", time.Now().UnixNano()),
		}
		conn, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := conn.WriteJSON(c); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			var msg network.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return err
			}
			if msg.Ref != c.Ref {
				continue
			}
			printMessage(msg)
			if msg.Type == network.MsgTypeError {
				return fmt.Errorf("%s rejected", c.Type)
			}
			return nil
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Fetch engine status over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		u := url.URL{Scheme: "http", Host: serverAddr, Path: "/api/status"}
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		resp, err := httpClient().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var body any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return err
		}
		out, _ := json.MarshalIndent(body, "", "  ")
		fmt.Printf("%s (%s)\n%s\n", resp.Status, resp.Proto, out)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendLoop, "loop", "", "Loop id (empty addresses every loop for distress)")
	sendCmd.Flags().StringVar(&sendSeverity, "severity", "warning", "warning or critical")
	sendCmd.Flags().StringVar(&sendDetail, "detail", "", "Free-form detail")
	sendCmd.Flags().Float64Var(&sendHz, "hz", 0, "Target frequency for retarget")
	rootCmd.AddCommand(streamCmd, sendCmd, statusCmd)
}

func printMessage(msg network.Message) {
	ts := time.UnixMilli(msg.Timestamp).Format("15:04:05.000")
	switch msg.Type {
	case network.MsgTypeSnapshot:
		var snap struct {
			Tick        uint64  `json:"tick"`
			UnifiedHz   float64 `json:"unified_hz"`
			CascadeRisk bool    `json:"cascade_risk"`
			Pressure    string  `json:"pressure"`
			Strategy    string  `json:"strategy"`
			Loops       []struct {
				LoopID     string  `json:"loop_id"`
				State      string  `json:"state"`
				AchievedHz float64 `json:"achieved_hz"`
				Quality    float64 `json:"quality"`
			} `json:"loops"`
		}
		if decode(msg.Payload, &snap) != nil {
			break
		}
		var b strings.Builder
		for _, l := range snap.Loops {
			fmt.Fprintf(&b, " %s=%s/%.1fHz/q%.2f", l.LoopID, l.State, l.AchievedHz, l.Quality)
		}
		fmt.Printf("%s tick=%d unified=%.2fHz %s %s risk=%t%s\n",
			ts, snap.Tick, snap.UnifiedHz, snap.Strategy, snap.Pressure, snap.CascadeRisk, b.String())
		return
	}
	out, _ := json.Marshal(msg.Payload)
	fmt.Printf("%s %-8s %s %s\n", ts, msg.Type, msg.Ref, out)
}

func decode(payload any, dst any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
