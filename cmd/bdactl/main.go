// Command bdactl is a thin CLI over the bda package: create, identify,
// save, load, and wipe a pool's Block Device Area on a real file or
// block device. It carries no pool orchestration, D-Bus surface, or
// device-mapper logic — those are explicitly out of scope for the BDA
// itself.
package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/spf13/pflag"

	"github.com/blockpool/bda/bda"
	"github.com/blockpool/bda/internal/blockio"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error

	switch cmd {
	case "create":
		err = runCreate(args)
	case "identify":
		err = runIdentify(args)
	case "save":
		err = runSave(args)
	case "load":
		err = runLoad(args)
	case "wipe":
		err = runWipe(args)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "bdactl %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: bdactl <create|identify|save|load|wipe> [flags] PATH")
}

func runCreate(args []string) error {
	fs := pflag.NewFlagSet("create", pflag.ContinueOnError)
	pool := fs.String("pool", "", "pool UUID (32 hex digits); generated if empty")
	dev := fs.String("dev", "", "device UUID (32 hex digits); generated if empty")
	mdaSectors := fs.Uint64("mda-sectors", bda.MinMDASectors, "size of the MDA area, in sectors")
	sizeSectors := fs.Uint64("size", 0, "device size, in sectors (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("expected exactly one PATH argument")
	}
	path := fs.Arg(0)

	if *sizeSectors == 0 {
		return fmt.Errorf("--size is required")
	}

	poolUUID, err := uuidFlagOrNew(*pool)
	if err != nil {
		return fmt.Errorf("--pool: %w", err)
	}
	devUUID, err := uuidFlagOrNew(*dev)
	if err != nil {
		return fmt.Errorf("--dev: %w", err)
	}

	totalBytes := *sizeSectors * bda.SectorSize
	blank := make([]byte, totalBytes)
	// Materialize the backing file in one atomic rename so a process
	// interrupted mid-write never leaves a partially-sized pool image
	// visible at path.
	if err := atomic.WriteFile(path, bytes.NewReader(blank)); err != nil {
		return fmt.Errorf("creating backing file: %w", err)
	}

	fd, err := blockio.OpenFileDevice(path)
	if err != nil {
		return err
	}
	defer fd.Close()

	b, err := bda.Initialize(fd, poolUUID, devUUID, *mdaSectors, *sizeSectors, uint64(time.Now().Unix()), nil)
	if err != nil {
		return err
	}

	fmt.Println(b)
	return nil
}

func runIdentify(args []string) error {
	path, err := singlePathArg("identify", args)
	if err != nil {
		return err
	}

	fd, err := blockio.OpenFileDevice(path)
	if err != nil {
		return err
	}
	defer fd.Close()

	pool, dev, ok, err := bda.Identify(fd, nil)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("not a pool device")
		return nil
	}
	fmt.Printf("pool=%s dev=%s\n", pool, dev)
	return nil
}

func runSave(args []string) error {
	fs := pflag.NewFlagSet("save", pflag.ContinueOnError)
	metadataPath := fs.String("metadata", "", "path to the metadata payload to save (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *metadataPath == "" {
		return fmt.Errorf("usage: bdactl save --metadata FILE PATH")
	}
	path := fs.Arg(0)

	payload, err := os.ReadFile(*metadataPath)
	if err != nil {
		return err
	}

	fd, err := blockio.OpenFileDevice(path)
	if err != nil {
		return err
	}
	defer fd.Close()

	b, err := bda.Load(fd, nil)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("%s is not a pool device", path)
	}

	now := time.Now()
	return b.SaveState(uint64(now.Unix()), uint32(now.Nanosecond()), payload, fd)
}

func runLoad(args []string) error {
	path, err := singlePathArg("load", args)
	if err != nil {
		return err
	}

	fd, err := blockio.OpenFileDevice(path)
	if err != nil {
		return err
	}
	defer fd.Close()

	b, err := bda.Load(fd, nil)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("%s is not a pool device", path)
	}

	payload, ok, err := b.LoadState(fd)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("no metadata saved yet")
		return nil
	}
	_, err = os.Stdout.Write(payload)
	return err
}

func runWipe(args []string) error {
	path, err := singlePathArg("wipe", args)
	if err != nil {
		return err
	}

	fd, err := blockio.OpenFileDevice(path)
	if err != nil {
		return err
	}
	defer fd.Close()

	return bda.Wipe(fd)
}

func singlePathArg(cmd string, args []string) (string, error) {
	fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("usage: bdactl %s PATH", cmd)
	}
	return fs.Arg(0), nil
}

func uuidFlagOrNew(s string) (uuid.UUID, error) {
	if s == "" {
		return bda.NewUUID(), nil
	}
	return bda.ParseUUID(s)
}
