// Copyright 2018 The Purple Library Authors
// This file is part of the Purple Library.
//
// The Purple Library is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The Purple Library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with the Purple Library. If not, see <http://www.gnu.org/licenses/>.

// miner is a standalone cuckaroo cycle miner and proof verifier.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"strings"
	"syscall"

	"github.com/Atul9/purple/consensus/cuckaroo"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/naoina/toml"
	cli "gopkg.in/urfave/cli.v1"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Usage: "logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	headerFlag = cli.StringFlag{
		Name:  "header",
		Usage: "header bytes as 0x-prefixed hex (default: 32 zero bytes)",
	}
	nonceFlag = cli.Uint64Flag{
		Name:  "nonce",
		Usage: "starting nonce of the search range",
	}
	rangeFlag = cli.Uint64Flag{
		Name:  "range",
		Usage: "number of nonces to search",
		Value: 1000,
	}
	edgeBitsFlag = cli.UintFlag{
		Name:  "edgebits",
		Usage: "base-2 log of the graph's edge count",
		Value: cuckaroo.MinEdgeBits,
	}
	proofSizeFlag = cli.IntFlag{
		Name:  "proofsize",
		Usage: "required cycle length",
		Value: cuckaroo.ProofSize,
	}
	threadsFlag = cli.IntFlag{
		Name:  "threads",
		Usage: "solver threads (0 = one per CPU)",
	}
	trimRoundsFlag = cli.IntFlag{
		Name:  "trimrounds",
		Usage: "edge trimming round budget (0 = default)",
	}
	proofFlag = cli.StringFlag{
		Name:  "proof",
		Usage: "comma-separated edge indices of the proof to verify",
	}
)

// minerConfig mirrors the command line flags for TOML configuration files.
type minerConfig struct {
	Header     string
	Nonce      uint64
	Range      uint64
	EdgeBits   uint
	ProofSize  int
	Threads    int
	TrimRounds int
}

var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

func main() {
	app := cli.NewApp()
	app.Name = "miner"
	app.Usage = "cuckaroo cycle proof-of-work miner and verifier"
	app.Flags = []cli.Flag{configFlag, verbosityFlag}
	app.Before = func(ctx *cli.Context) error {
		setupLogger(ctx.GlobalInt(verbosityFlag.Name))
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:   "search",
			Usage:  "search a nonce range for cycle proofs",
			Action: searchCmd,
			Flags: []cli.Flag{
				headerFlag, nonceFlag, rangeFlag,
				edgeBitsFlag, proofSizeFlag, threadsFlag, trimRoundsFlag,
			},
		},
		{
			Name:   "verify",
			Usage:  "verify a single cycle proof",
			Action: verifyCmd,
			Flags: []cli.Flag{
				headerFlag, nonceFlag, edgeBitsFlag, proofSizeFlag, proofFlag,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger(verbosity int) {
	usecolor := isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb"
	output := io.Writer(os.Stderr)
	if usecolor {
		output = colorable.NewColorableStderr()
	}
	log.Root().SetHandler(log.LvlFilterHandler(log.Lvl(verbosity), log.StreamHandler(output, log.TerminalFormat(usecolor))))
}

// loadConfig merges a TOML file into cfg. Flags set on the command line
// still win afterwards.
func loadConfig(path string, cfg *minerConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	if err != nil {
		return fmt.Errorf("%s: %v", path, err)
	}
	return nil
}

func makeConfig(ctx *cli.Context) (minerConfig, error) {
	cfg := minerConfig{
		Range:     rangeFlag.Value,
		EdgeBits:  uint(edgeBitsFlag.Value),
		ProofSize: proofSizeFlag.Value,
	}
	if path := ctx.GlobalString(configFlag.Name); path != "" {
		if err := loadConfig(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if ctx.IsSet(headerFlag.Name) {
		cfg.Header = ctx.String(headerFlag.Name)
	}
	if ctx.IsSet(nonceFlag.Name) {
		cfg.Nonce = ctx.Uint64(nonceFlag.Name)
	}
	if ctx.IsSet(rangeFlag.Name) {
		cfg.Range = ctx.Uint64(rangeFlag.Name)
	}
	if ctx.IsSet(edgeBitsFlag.Name) {
		cfg.EdgeBits = ctx.Uint(edgeBitsFlag.Name)
	}
	if ctx.IsSet(proofSizeFlag.Name) {
		cfg.ProofSize = ctx.Int(proofSizeFlag.Name)
	}
	if ctx.IsSet(threadsFlag.Name) {
		cfg.Threads = ctx.Int(threadsFlag.Name)
	}
	if ctx.IsSet(trimRoundsFlag.Name) {
		cfg.TrimRounds = ctx.Int(trimRoundsFlag.Name)
	}
	return cfg, nil
}

func headerBytes(cfg minerConfig) ([]byte, error) {
	if cfg.Header == "" {
		return make([]byte, 32), nil
	}
	return hexutil.Decode(cfg.Header)
}

func searchCmd(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	header, err := headerBytes(cfg)
	if err != nil {
		return fmt.Errorf("invalid header: %v", err)
	}
	engine, err := cuckaroo.New(cuckaroo.Config{
		EdgeBits:   uint8(cfg.EdgeBits),
		ProofSize:  cfg.ProofSize,
		TrimRounds: cfg.TrimRounds,
		Threads:    cfg.Threads,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	stop := make(chan struct{})
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Warn("Interrupted, stopping search")
		close(stop)
	}()

	log.Info("Searching for cycle proofs", "start", cfg.Nonce, "range", cfg.Range, "edgebits", cfg.EdgeBits, "proofsize", cfg.ProofSize)
	solutions, err := engine.Search(header, cfg.Nonce, cfg.Range, stop)
	if err != nil {
		return err
	}
	for _, sol := range solutions {
		fmt.Printf("nonce %d proof %s hash %s\n", sol.Nonce, formatProof(sol.Proof), sol.Proof.Hash().Hex())
	}
	log.Info("Search finished", "solutions", len(solutions), "gps", engine.Hashrate())
	return nil
}

func verifyCmd(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	header, err := headerBytes(cfg)
	if err != nil {
		return fmt.Errorf("invalid header: %v", err)
	}
	proof, err := parseProof(ctx.String(proofFlag.Name))
	if err != nil {
		return err
	}
	if !cuckaroo.VerifyProof(header, cfg.Nonce, proof, cfg.ProofSize, uint8(cfg.EdgeBits)) {
		return fmt.Errorf("invalid proof")
	}
	fmt.Printf("valid proof, hash %s difficulty %d\n", proof.Hash().Hex(), proof.Difficulty())
	return nil
}

func formatProof(proof cuckaroo.Proof) string {
	parts := make([]string, len(proof))
	for i, edge := range proof {
		parts[i] = strconv.FormatUint(edge, 10)
	}
	return strings.Join(parts, ",")
}

func parseProof(s string) (cuckaroo.Proof, error) {
	if s == "" {
		return nil, fmt.Errorf("no proof given")
	}
	parts := strings.Split(s, ",")
	proof := make(cuckaroo.Proof, len(parts))
	for i, part := range parts {
		edge, err := strconv.ParseUint(strings.TrimSpace(part), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid edge index %q: %v", part, err)
		}
		proof[i] = edge
	}
	return proof, nil
}
