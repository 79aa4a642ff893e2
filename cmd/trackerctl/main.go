package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/xerrors"

	"github.com/natemellendorf/wt-tracker/internal/model"
)

func main() {
	if len(os.Args) < 3 {
		usage()
	}

	wsURL := os.Args[1]
	u, err := url.Parse(wsURL)
	if err != nil {
		log.Fatalf("invalid websocket url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		log.Fatalf("unsupported websocket scheme: %s", u.Scheme)
	}

	cmd := os.Args[2]
	if cmd == "stats" {
		statsCmd(u)
		return
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	switch cmd {
	case "announce":
		announceCmd(conn, os.Args[3:])
	case "scrape":
		scrapeCmd(conn, os.Args[3:])
	case "stop":
		stopCmd(conn, os.Args[3:])
	default:
		usage()
	}
}

func announceCmd(conn *websocket.Conn, args []string) {
	fs := flag.NewFlagSet("announce", flag.ExitOnError)
	infoHash := fs.String("info-hash", "", "swarm info hash")
	peerID := fs.String("peer-id", "", "peer id (random if empty)")
	left := fs.Float64("left", 1, "bytes left, 0 marks the peer as a seeder")
	numwant := fs.Int("numwant", 0, "number of offers to send")
	sdp := fs.String("sdp", "v=0", "SDP placed in every offer")
	wait := fs.Duration("wait", 0, "keep listening for offers and answers")
	_ = fs.Parse(args)
	if *infoHash == "" {
		log.Fatal("--info-hash is required")
	}
	if *peerID == "" {
		*peerID = randomPeerID()
	}

	req := announceMessage(*infoHash, *peerID, *left, *numwant, *sdp)
	writeMessage(conn, req)
	resp := readMessage(conn, 5*time.Second)
	printJSON(map[string]any{"request": req, "response": resp})

	if *wait <= 0 {
		return
	}
	deadline := time.Now().Add(*wait)
	for time.Until(deadline) > 0 {
		msg, err := tryRead(conn, time.Until(deadline))
		if err != nil {
			return
		}
		printJSON(map[string]any{"received": msg})
	}
}

func scrapeCmd(conn *websocket.Conn, args []string) {
	fs := flag.NewFlagSet("scrape", flag.ExitOnError)
	infoHashes := fs.String("info-hash", "", "comma-separated info hashes (all swarms if empty)")
	_ = fs.Parse(args)

	req := scrapeMessage(*infoHashes)
	writeMessage(conn, req)
	resp := readMessage(conn, 5*time.Second)
	printJSON(map[string]any{"request": req, "response": resp})
}

func stopCmd(conn *websocket.Conn, args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	infoHash := fs.String("info-hash", "", "swarm info hash")
	peerID := fs.String("peer-id", "", "peer id")
	_ = fs.Parse(args)
	if *infoHash == "" || *peerID == "" {
		log.Fatal("--info-hash and --peer-id are required")
	}

	req := model.Message{
		model.FieldAction:   model.ActionAnnounce,
		model.FieldEvent:    model.EventStopped,
		model.FieldInfoHash: *infoHash,
		model.FieldPeerID:   *peerID,
	}
	writeMessage(conn, req)
	printJSON(map[string]any{"request": req})
}

func statsCmd(u *url.URL) {
	target := statsURL(u)
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(target)
	if err != nil {
		log.Fatalf("get stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("get stats: %s", resp.Status)
	}

	var report map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		log.Fatalf("decode stats: %v", err)
	}
	printJSON(report)
}

// announceMessage builds an announce carrying numwant offers.
func announceMessage(infoHash, peerID string, left float64, numwant int, sdp string) model.Message {
	msg := model.Message{
		model.FieldAction:   model.ActionAnnounce,
		model.FieldInfoHash: infoHash,
		model.FieldPeerID:   peerID,
		model.FieldLeft:     left,
		model.FieldNumWant:  numwant,
	}
	if numwant > 0 {
		offers := make([]any, numwant)
		for i := range offers {
			offers[i] = map[string]any{
				model.FieldOfferID: fmt.Sprintf("%s-%d", peerID, i),
				model.FieldOffer:   map[string]any{"type": "offer", model.FieldSDP: sdp},
			}
		}
		msg[model.FieldOffers] = offers
	}
	return msg
}

// scrapeMessage builds a scrape for a comma-separated hash list. An empty
// list scrapes every swarm.
func scrapeMessage(infoHashes string) model.Message {
	msg := model.Message{model.FieldAction: model.ActionScrape}
	if infoHashes == "" {
		return msg
	}
	var hashes []any
	for _, h := range strings.Split(infoHashes, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hashes = append(hashes, h)
		}
	}
	msg[model.FieldInfoHash] = hashes
	return msg
}

// statsURL maps the WebSocket URL of a listener to its stats report.
func statsURL(u *url.URL) string {
	out := *u
	out.Scheme = "http"
	if u.Scheme == "wss" {
		out.Scheme = "https"
	}
	out.Path = "/stats.json"
	out.RawQuery = ""
	return out.String()
}

func randomPeerID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:20]
}

func writeMessage(conn *websocket.Conn, msg model.Message) {
	if err := conn.WriteJSON(msg); err != nil {
		log.Fatalf("write message: %v", err)
	}
}

func readMessage(conn *websocket.Conn, timeout time.Duration) model.Message {
	msg, err := tryRead(conn, timeout)
	if err != nil {
		log.Fatalf("read message: %v", err)
	}
	return msg
}

func tryRead(conn *websocket.Conn, timeout time.Duration) (model.Message, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	var msg model.Message
	if err := conn.ReadJSON(&msg); err != nil {
		return nil, xerrors.Errorf("read: %w", err)
	}
	return msg, nil
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("marshal output: %v", err)
	}
	fmt.Println(string(b))
}

func usage() {
	msg := errors.New("usage: trackerctl <ws-url> <announce|scrape|stop|stats> [flags]\n" +
		"announce --info-hash <hash> [--peer-id <id>] [--left <bytes>] [--numwant <N>] [--wait <duration>]\n" +
		"scrape [--info-hash <hash,hash,...>]\n" +
		"stop --info-hash <hash> --peer-id <id>\n" +
		"stats")
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
