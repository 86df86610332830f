// ABOUTME: CLI subcommands that drive the local daemon over its loopback HTTP API
// ABOUTME: Output is colored with fatih/color

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/tether/internal/auth"
	"github.com/2389/tether/internal/client"
	"github.com/2389/tether/internal/discovery"
	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/pairing"
	"github.com/2389/tether/internal/server"
)

func cmdIdentity() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	id, err := identity.Load(identity.Config{
		Type:    cfg.Device.Type,
		Name:    cfg.Device.Name,
		KeyPath: cfg.Device.KeyPath,
	})
	if err != nil {
		return err
	}
	ident := id.Identity()

	cyan := color.New(color.FgCyan)
	cyan.Println("  Device Identity")
	cyan.Println("  ---------------")
	fmt.Printf("  Device ID:   %s\n", ident.DeviceID)
	fmt.Printf("  Type:        %s\n", ident.DeviceType)
	fmt.Printf("  Name:        %s\n", ident.DisplayName)
	fmt.Printf("  Fingerprint: %s\n", ident.HardwareFingerprint)
	fmt.Printf("  Public key:  %s\n", ident.PublicKey)
	return nil
}

func cmdToken(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	compact := fs.Bool("compact", false, "print only the compact payload")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	var resp server.TokenResponse
	if err := localClient(cfg).Post(ctx, "/api/pair/token", nil, &resp); err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	if *compact {
		fmt.Println(resp.Compact)
		return nil
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	green.Println("  ✓ Pairing token issued")
	fmt.Println()
	fmt.Printf("  Token:    %s\n", resp.Payload.PairingToken)
	fmt.Printf("  Redeem:   %s\n", resp.Payload.RedeemEndpoint)
	fmt.Printf("  Expires:  %s\n", resp.Payload.ExpiresAt.Local().Format(time.Kitchen))
	fmt.Println()
	yellow.Println("  On the other device run:")
	fmt.Printf("    tether join %s\n", resp.Compact)
	fmt.Println()
	gray.Println("  Then confirm the code it shows with:")
	gray.Printf("    tether confirm %s <code>\n", resp.Payload.PairingToken)
	return nil
}

// cmdJoin redeems a payload and blocks until the issuing device confirms.
// The verification code is read from the local event stream while the join
// request is pending.
func cmdJoin(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: tether join <payload>")
	}
	payload := args[0]

	if _, err := pairing.DecodePayload(payload); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	c := localClient(cfg)

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()

	yellow := color.New(color.FgYellow)
	subscribed := make(chan struct{})
	go func() {
		_ = c.StreamEvents(streamCtx, []string{"pairing_request"}, func(ev client.SSEEvent) {
			if ev.Type == "ready" {
				close(subscribed)
				return
			}
			var data struct {
				Data map[string]any `json:"data"`
			}
			if err := json.Unmarshal([]byte(ev.Data), &data); err != nil {
				return
			}
			if code, ok := data.Data["verification_code"].(string); ok {
				yellow.Printf("  Verification code: %s\n", code)
				fmt.Println("  Enter this code on the issuing device.")
			}
		})
	}()

	// Subscribe before joining so the code published on redeem is not missed.
	select {
	case <-subscribed:
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	fmt.Println("  Waiting for the issuing device to confirm...")

	// Joining waits for a human, so the request timeout must not apply.
	joinClient := client.New(c.BaseURL(), client.WithTimeout(0))
	var res pairing.Result
	if err := joinClient.Post(ctx, "/api/pair/join", server.JoinRequest{Payload: payload}, &res); err != nil {
		return fmt.Errorf("joining: %w", err)
	}

	printPairResult(&res)
	return nil
}

func cmdConfirm(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: tether confirm <token> <code>")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	var res pairing.Result
	err = localClient(cfg).Post(ctx, "/api/pair/confirm", server.ConfirmRequest{Token: args[0], Code: args[1]}, &res)
	if err != nil {
		if client.Code(err) == client.CodeVerificationMismatch {
			return fmt.Errorf("%w (check the code on the other device and retry)", err)
		}
		return err
	}

	printPairResult(&res)
	return nil
}

func printPairResult(res *pairing.Result) {
	green := color.New(color.FgGreen)
	if res.Created {
		green.Println("  ✓ Devices paired")
	} else {
		green.Println("  ✓ Devices already paired")
	}
	fmt.Printf("  Pair ID:    %s\n", res.PairID)
	fmt.Printf("  Account ID: %s\n", res.AccountID)
	fmt.Printf("  Peer:       %s\n", res.PeerDeviceID)
}

func cmdPairs(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	var resp server.ListPairsResponse
	if err := localClient(cfg).Get(ctx, "/api/pairs", &resp); err != nil {
		return err
	}

	if len(resp.Pairs) == 0 {
		fmt.Println("  No paired devices.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  PAIR\tPEER\tTYPE\tNAME\tACCOUNT\tPAIRED")
	fmt.Fprintln(w, "  ----\t----\t----\t----\t-------\t------")
	for _, p := range resp.Pairs {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(p.PairID, 16),
			truncate(p.PeerDeviceID, 16),
			p.PeerType,
			truncate(p.PeerName, 20),
			truncate(p.AccountID, 16),
			p.PairedAt.Local().Format("Jan 02 15:04"),
		)
	}
	return w.Flush()
}

func cmdRevoke(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: tether revoke <pair_id>")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	var resp server.RevokeResponse
	if err := localClient(cfg).Delete(ctx, "/api/pairs/"+url.PathEscape(args[0]), &resp); err != nil {
		return err
	}

	color.Green("  ✓ Revoked pair %s (peer %s)\n", resp.PairID, resp.PeerDeviceID)
	return nil
}

func cmdAuth(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: tether auth <device_id> <endpoint>")
	}
	deviceID, endpoint := args[0], args[1]
	if !strings.HasSuffix(endpoint, "/api/auth") {
		endpoint = strings.TrimSuffix(endpoint, "/") + "/api/auth"
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	var sess auth.Session
	if err := localClient(cfg).Post(ctx, "/api/auth/peer", server.PeerAuthRequest{DeviceID: deviceID, Endpoint: endpoint}, &sess); err != nil {
		return err
	}

	color.Green("  ✓ Authenticated\n")
	fmt.Printf("  Session:    %s\n", sess.ID)
	fmt.Printf("  Account ID: %s\n", sess.AccountID)
	fmt.Printf("  Expires:    %s\n", sess.ExpiresAt.Local().Format(time.RFC1123))
	fmt.Printf("  Token:      %s\n", sess.Token)
	return nil
}

func cmdBindings(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: tether bindings <account_id>")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	var resp server.ListBindingsResponse
	if err := localClient(cfg).Get(ctx, "/api/accounts/"+url.PathEscape(args[0])+"/bindings", &resp); err != nil {
		return err
	}

	if len(resp.Bindings) == 0 {
		fmt.Println("  No bindings for this account.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  SERVICE\tSERVICE ACCOUNT\tCREATED")
	fmt.Fprintln(w, "  -------\t---------------\t-------")
	for _, b := range resp.Bindings {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", b.ServiceName, b.ServiceAccountID, b.CreatedAt.Local().Format("Jan 02 15:04"))
	}
	return w.Flush()
}

func cmdEvents(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	cyan := color.New(color.FgCyan)

	gray.Println("  Streaming events (Ctrl-C to stop)")
	return localClient(cfg).StreamEvents(ctx, args, func(ev client.SSEEvent) {
		if ev.Type == "ready" {
			return
		}
		cyan.Printf("%s ", time.Now().Format("15:04:05"))
		fmt.Printf("%-20s %s\n", ev.Type, ev.Data)
	})
}

func cmdAudit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "maximum entries to show")
	action := fs.String("action", "", "only show this action (e.g. pair_created)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(*limit))
	if *action != "" {
		q.Set("action", *action)
	}

	var resp server.AuditResponse
	if err := localClient(cfg).Get(ctx, "/api/audit?"+q.Encode(), &resp); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tACTION\tACTOR\tTARGET")
	fmt.Fprintln(w, "  ----\t------\t-----\t------")
	for _, e := range resp.Entries {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s:%s\n",
			e.Timestamp.Local().Format("Jan 02 15:04:05"),
			e.Action,
			truncate(e.Actor, 16),
			e.TargetType,
			truncate(e.TargetID, 16),
		)
	}
	return w.Flush()
}

func cmdDiscover(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	wait := fs.Duration("wait", 3*time.Second, "how long to listen for advertisements")
	if err := fs.Parse(args); err != nil {
		return err
	}

	nodes, err := discovery.Browse(ctx, *wait)
	if err != nil {
		return fmt.Errorf("browsing %s: %w", discovery.ServiceType, err)
	}

	if len(nodes) == 0 {
		fmt.Println("  No tether nodes found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  DEVICE\tTYPE\tENDPOINT")
	fmt.Fprintln(w, "  ------\t----\t--------")
	for _, n := range nodes {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", truncate(n.DeviceID, 16), n.DeviceType, n.Endpoint())
	}
	return w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
