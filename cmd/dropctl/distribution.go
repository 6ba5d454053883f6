package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"merkledrop/crypto"
	"merkledrop/native/merkledrop"
	"merkledrop/native/merkledrop/merkletree"
)

// allocationFile is the YAML input to the build command.
type allocationFile struct {
	Allocations []struct {
		Account string `yaml:"account"`
		Balance string `yaml:"balance"`
	} `yaml:"allocations"`
}

// distributionFile is the JSON artefact a distributor publishes: the round
// commitment plus every recipient's proof.
type distributionFile struct {
	Asset       string       `json:"asset"`
	Distributor string       `json:"distributor"`
	Round       uint64       `json:"round"`
	Root        string       `json:"root"`
	Total       string       `json:"total"`
	Claims      []claimEntry `json:"claims"`
}

type claimEntry struct {
	Account string   `json:"account"`
	Balance string   `json:"balance"`
	Proof   []string `json:"proof"`
}

func readAllocations(path string) ([]merkletree.Allocation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file allocationFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse allocations: %w", err)
	}
	allocs := make([]merkletree.Allocation, 0, len(file.Allocations))
	for i, entry := range file.Allocations {
		account, err := crypto.ParseAddress(entry.Account)
		if err != nil {
			return nil, fmt.Errorf("allocation %d: %w", i, err)
		}
		balance, err := parseAmount(entry.Balance)
		if err != nil {
			return nil, fmt.Errorf("allocation %d: %w", i, err)
		}
		allocs = append(allocs, merkletree.Allocation{Account: account, Balance: balance})
	}
	return allocs, nil
}

func newDistributionFile(asset string, distributor [20]byte, round uint64, dist *merkletree.Distribution) (*distributionFile, error) {
	root := dist.Root()
	out := &distributionFile{
		Asset:       merkledrop.NewChannel(asset, distributor).Asset,
		Distributor: crypto.FormatAddress(distributor),
		Round:       round,
		Root:        encodeHash(root),
		Total:       dist.Total().String(),
		Claims:      make([]claimEntry, 0, len(dist.Allocations)),
	}
	for _, alloc := range dist.Allocations {
		balance, proof, err := dist.ProofFor(alloc.Account)
		if err != nil {
			return nil, err
		}
		entry := claimEntry{
			Account: crypto.FormatAddress(alloc.Account),
			Balance: balance.String(),
			Proof:   make([]string, len(proof)),
		}
		for i, node := range proof {
			entry.Proof[i] = encodeHash(node)
		}
		out.Claims = append(out.Claims, entry)
	}
	return out, nil
}

func readDistribution(path string) (*distributionFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file distributionFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse distribution %s: %w", path, err)
	}
	return &file, nil
}

func writeDistribution(path string, file *distributionFile) error {
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}

func (f *distributionFile) commitment() (distributor [20]byte, root [32]byte, total *big.Int, err error) {
	if distributor, err = crypto.ParseAddress(f.Distributor); err != nil {
		return
	}
	if root, err = decodeHash(f.Root); err != nil {
		return
	}
	total, err = parseAmount(f.Total)
	return
}

// request builds the claim request for account, if the distribution lists it.
func (f *distributionFile) request(account [20]byte) (merkledrop.ClaimRequest, bool, error) {
	distributor, err := crypto.ParseAddress(f.Distributor)
	if err != nil {
		return merkledrop.ClaimRequest{}, false, err
	}
	for _, entry := range f.Claims {
		addr, err := crypto.ParseAddress(entry.Account)
		if err != nil {
			return merkledrop.ClaimRequest{}, false, err
		}
		if addr != account {
			continue
		}
		balance, err := parseAmount(entry.Balance)
		if err != nil {
			return merkledrop.ClaimRequest{}, false, err
		}
		proof := make([][32]byte, len(entry.Proof))
		for i, node := range entry.Proof {
			if proof[i], err = decodeHash(node); err != nil {
				return merkledrop.ClaimRequest{}, false, err
			}
		}
		return merkledrop.ClaimRequest{
			RoundID:     f.Round,
			Balance:     balance,
			Distributor: distributor,
			Asset:       f.Asset,
			Proof:       proof,
		}, true, nil
	}
	return merkledrop.ClaimRequest{}, false, nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

func encodeHash(h [32]byte) string {
	return "0x" + hex.EncodeToString(h[:])
}

func decodeHash(raw string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("decode hash: %w", err)
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("hash must be 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}
