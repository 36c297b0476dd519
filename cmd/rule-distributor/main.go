// Command rule-distributor ships a rule fragment bundle to a set of
// control nodes and collects their commitment ACKs, retransmitting any
// node that falls silent with capped linear backoff. Retransmission
// policy lives here, not in the agent: the agent only ever reacts to
// datagrams it receives.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/lyzr/control-node/cmd/control-node/ruleengine"
)

var (
	fragmentsPath string
	nodeAddrs     []string
	version       uint64
	ackListenAddr string
	retryCap      int
	retryBase     time.Duration
	ackTimeout    time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rule-distributor",
	Short: "Distribute a rule fragment bundle to control nodes and collect ACKs",
}

var distributeCmd = &cobra.Command{
	Use:   "distribute",
	Short: "Ship a rule fragment bundle to every listed node",
	RunE:  runDistribute,
}

func init() {
	distributeCmd.Flags().StringVar(&fragmentsPath, "fragments", "", "path to a JSON array of rule fragments")
	distributeCmd.Flags().StringSliceVar(&nodeAddrs, "node", nil, "control node rule-ingress address, host:port (repeatable)")
	distributeCmd.Flags().Uint64Var(&version, "version", 0, "rule base version being distributed")
	distributeCmd.Flags().StringVar(&ackListenAddr, "ack-listen", ":30000", "address to listen for commitment ACKs")
	distributeCmd.Flags().IntVar(&retryCap, "retry-cap", 5, "maximum retransmissions per node before giving up")
	distributeCmd.Flags().DurationVar(&retryBase, "retry-base-delay", 500*time.Millisecond, "base delay for linear retransmission backoff")
	distributeCmd.Flags().DurationVar(&ackTimeout, "ack-timeout", 20*time.Second, "overall time budget to collect every ACK")
	_ = distributeCmd.MarkFlagRequired("fragments")
	_ = distributeCmd.MarkFlagRequired("node")
	_ = distributeCmd.MarkFlagRequired("version")

	rootCmd.AddCommand(distributeCmd)
}

func runDistribute(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(fragmentsPath)
	if err != nil {
		return fmt.Errorf("read fragments file: %w", err)
	}

	var fragments []json.RawMessage
	if err := json.Unmarshal(raw, &fragments); err != nil {
		return fmt.Errorf("decode fragments array: %w", err)
	}

	// Validate every fragment before sending any datagram.
	for i, f := range fragments {
		if _, err := ruleengine.ParseFragment(f); err != nil {
			return fmt.Errorf("fragment %d invalid: %w", i, err)
		}
	}

	acked, err := collectACKs(ackListenAddr, nodeAddrs, version, ackTimeout, func() {
		for _, addr := range nodeAddrs {
			sendFragments(addr, version, fragments)
		}
	})
	if err != nil {
		return err
	}

	missing := subtract(nodeAddrs, acked)
	attempt := 0
	for len(missing) > 0 && attempt < retryCap {
		attempt++
		delay := retryBase * time.Duration(attempt)
		fmt.Fprintf(os.Stderr, "retransmitting to %d unacked node(s) after %s (attempt %d/%d)\n", len(missing), delay, attempt, retryCap)
		time.Sleep(delay)

		acked2, err := collectACKs(ackListenAddr, missing, version, ackTimeout, func() {
			for _, addr := range missing {
				sendFragments(addr, version, fragments)
			}
		})
		if err != nil {
			return err
		}
		missing = subtract(missing, acked2)
	}

	if len(missing) > 0 {
		return fmt.Errorf("gave up after %d attempts: %d node(s) never ACKed: %v", retryCap, len(missing), missing)
	}

	fmt.Printf("rule base version %d committed at all %d node(s)\n", version, len(nodeAddrs))
	return nil
}

// sendFragments ships every fragment of a bundle to one node as
// "<version>:<index>:<total>:<json>" datagrams, matching the control
// node's ruledist.Agent wire format.
func sendFragments(addr string, version uint64, fragments []json.RawMessage) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", addr, err)
		return
	}
	defer conn.Close()

	total := len(fragments)
	for i, f := range fragments {
		datagram := fmt.Sprintf("%d:%d:%d:%s", version, i, total, string(f))
		if _, err := conn.Write([]byte(datagram)); err != nil {
			fmt.Fprintf(os.Stderr, "send fragment %d to %s: %v\n", i, addr, err)
		}
	}
}

// collectACKs listens on listenAddr for "ACK node=<id> version=<v>"
// datagrams, invoking send to trigger transmission, and returns which of
// the expected node addresses (by the peer address the ACK was seen from)
// responded before timeout elapses.
func collectACKs(listenAddr string, expect []string, version uint64, timeout time.Duration, send func()) ([]string, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve ack listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen for acks: %w", err)
	}
	defer conn.Close()

	var mu sync.Mutex
	seen := make(map[string]bool)
	done := make(chan struct{})

	go func() {
		buf := make([]byte, 4096)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
			n, peer, err := conn.ReadFromUDP(buf)
			if err != nil {
				close(done)
				return
			}
			var gotVersion uint64
			var nodeID string
			if _, err := fmt.Sscanf(string(buf[:n]), "ACK node=%s version=%d", &nodeID, &gotVersion); err != nil {
				continue
			}
			if gotVersion != version {
				continue
			}
			mu.Lock()
			seen[peer.IP.String()] = true
			mu.Unlock()
		}
	}()

	send()

	select {
	case <-done:
	case <-time.After(timeout):
	}

	mu.Lock()
	defer mu.Unlock()
	var acked []string
	for _, addr := range expect {
		host, _, _ := net.SplitHostPort(addr)
		if seen[host] {
			acked = append(acked, addr)
		}
	}
	return acked, nil
}

func subtract(all, acked []string) []string {
	ackedSet := make(map[string]bool, len(acked))
	for _, a := range acked {
		ackedSet[a] = true
	}
	var missing []string
	for _, a := range all {
		if !ackedSet[a] {
			missing = append(missing, a)
		}
	}
	return missing
}
