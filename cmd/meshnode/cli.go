package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
)

var nodeFlag = &cli.StringFlag{
	Name:    "node",
	Value:   "http://127.0.0.1:7070",
	Usage:   "control API of a running node",
	EnvVars: []string{"MESH_NODE_URL"},
}

var httpClient = &http.Client{Timeout: 60 * time.Second}

var statsCmd = &cli.Command{
	Name:  "stats",
	Usage: "print transfer, seeding and bandwidth statistics",
	Flags: []cli.Flag{nodeFlag},
	Action: func(ctx *cli.Context) error {
		var stats StatsResponse
		if err := getJSON(ctx.String("node")+"/api/v1/stats", &stats); err != nil {
			return err
		}

		printStats(os.Stdout, stats)
		return nil
	},
}

var fetchCmd = &cli.Command{
	Name:      "fetch",
	Usage:     "fetch a chunk through a node and write its ciphertext to a file",
	ArgsUsage: "<fileId> <index>",
	Flags: []cli.Flag{
		nodeFlag,
		&cli.StringSliceFlag{Name: "holder", Usage: "peer known to hold the chunk"},
		&cli.StringFlag{Name: "out", Required: true, Usage: "where to write the ciphertext"},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 2 {
			return cli.Exit("fetch needs <fileId> <index>", 2)
		}

		u := fmt.Sprintf("%s/api/v1/chunks/%s/%s", ctx.String("node"), url.PathEscape(ctx.Args().Get(0)), ctx.Args().Get(1))
		if holders := ctx.StringSlice("holder"); len(holders) > 0 {
			u += "?holders=" + url.QueryEscape(strings.Join(holders, ","))
		}

		var chunk ChunkBody
		if err := getJSON(u, &chunk); err != nil {
			return err
		}

		if err := os.WriteFile(ctx.String("out"), chunk.Ciphertext, 0o644); err != nil {
			return err
		}

		fmt.Printf("wrote %s (nonce %x) to %s\n", humanize.Bytes(uint64(len(chunk.Ciphertext))), chunk.Nonce, ctx.String("out"))
		return nil
	},
}

func getJSON(u string, v any) error {
	resp, err := httpClient.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s: %s", u, resp.Status, strings.TrimSpace(string(body)))
	}

	return json.NewDecoder(resp.Body).Decode(v)
}

func printStats(w io.Writer, s StatsResponse) {
	fmt.Fprintf(w, "peer %s, workspace %s, %d connected %v\n", s.PeerID, s.Workspace, len(s.ConnectedPeers), s.ConnectedPeers)
	fmt.Fprintf(w, "served   %d chunks, %s\n", s.Transfer.ChunksServed, humanize.Bytes(s.Transfer.BytesServed))
	fmt.Fprintf(w, "fetched  %d chunks, %s\n", s.Transfer.ChunksFetched, humanize.Bytes(s.Transfer.BytesFetched))
	fmt.Fprintf(w, "seeded   %d chunks, %s\n", s.Seeding.ChunksSeeded, humanize.Bytes(s.Seeding.BytesSeeded))

	lastRun := "never"
	if s.Seeding.LastSeedRun != nil {
		lastRun = humanize.Time(*s.Seeding.LastSeedRun)
	}
	fmt.Fprintf(w, "seeding  active=%t, last run %s, %d under-replicated\n", s.Seeding.SeedingActive, lastRun, s.Seeding.UnderReplicatedCount)

	fmt.Fprintf(w, "bandwidth up %s/s, down %s/s over %d samples\n",
		humanize.Bytes(uint64(s.Bandwidth.SentPerSecond)),
		humanize.Bytes(uint64(s.Bandwidth.ReceivedPerSecond)),
		s.Bandwidth.Samples)
}
