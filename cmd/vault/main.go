package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/deterministic-vault/vault/internal/config"
	"github.com/deterministic-vault/vault/internal/engine"
	"github.com/deterministic-vault/vault/internal/segment"
	"github.com/deterministic-vault/vault/internal/transport/memtransport"
	"github.com/deterministic-vault/vault/internal/vaultcrypto"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	storageCode := os.Getenv("VAULT_STORAGE_CODE")
	password := os.Getenv("VAULT_PASSWORD")

	switch os.Args[1] {
	case "gen-storage-code":
		code, err := vaultcrypto.GenerateStorageCode()
		fatalIf(err)
		fmt.Println(code)
		return
	case "store", "retrieve", "info", "flush":
		if storageCode == "" || password == "" {
			fmt.Fprintln(os.Stderr, "VAULT_STORAGE_CODE and VAULT_PASSWORD must be set")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	cfg := config.Default()
	if path := os.Getenv("VAULT_CONFIG"); path != "" {
		loaded, err := config.LoadFile(path)
		fatalIf(err)
		cfg = loaded
	}
	if cfg.CatalogRoot == "" || cfg.CatalogRoot == "./vault-data" {
		cfg.CatalogRoot = defaultCatalogRoot()
	}

	log := logrus.StandardLogger()
	factory := demoFactory()

	eng, err := engine.Open(storageCode, password, factory, cfg, log)
	fatalIf(err)
	defer eng.Close()

	ctx := context.Background()
	fatalIf(eng.Load(ctx))

	switch os.Args[1] {
	case "store":
		storeCmd := flag.NewFlagSet("store", flag.ExitOnError)
		dedup := storeCmd.Bool("dedup", false, "cut chunks at content-defined (Buzhash) boundaries instead of fixed-size blocks")
		storeCmd.Parse(os.Args[2:])
		if storeCmd.NArg() < 2 {
			fmt.Println("usage: vault store [-dedup] <local-file> <remote-path>")
			os.Exit(1)
		}
		runStore(ctx, eng, storeCmd.Arg(0), storeCmd.Arg(1), *dedup)

	case "retrieve":
		retrieveCmd := flag.NewFlagSet("retrieve", flag.ExitOnError)
		retrieveCmd.Parse(os.Args[2:])
		if retrieveCmd.NArg() < 2 {
			fmt.Println("usage: vault retrieve <remote-path> <local-file>")
			os.Exit(1)
		}
		runRetrieve(ctx, eng, retrieveCmd.Arg(0), retrieveCmd.Arg(1))

	case "info":
		stats := eng.GetStats()
		fmt.Printf("PublicHash:        %s\n", eng.PublicHash())
		fmt.Printf("ChunksUploaded:    %d\n", stats.ChunksUploaded)
		fmt.Printf("ChunksDownloaded:  %d\n", stats.ChunksDownloaded)
		fmt.Printf("CacheHits:         %d\n", stats.CacheHits)
		fmt.Printf("TransportUploads:  %d\n", stats.TransportUploads)
		fmt.Printf("TransportFetches:  %d\n", stats.TransportFetches)
		fmt.Printf("ParityCollections: %d\n", stats.ParityCollections)
		fmt.Printf("RepairsPerformed:  %d\n", stats.RepairsPerformed)

	case "flush":
		fatalIf(eng.ForceFlushParity(ctx))
		fatalIf(eng.FlushMeta(ctx))
		fatalIf(eng.FlushAssurances(ctx))
		fmt.Println("flush complete")
	}
}

func runStore(ctx context.Context, eng *engine.Engine, localPath, remotePath string, dedup bool) {
	if dedup {
		fatalIf(eng.UploadFileContentDefined(ctx, localPath, remotePath))
	} else {
		fatalIf(eng.UploadFile(ctx, localPath, remotePath))
	}
	fatalIf(eng.ForceFlushParity(ctx))
	fatalIf(eng.FlushMeta(ctx))
	fatalIf(eng.FlushAssurances(ctx))
	fmt.Printf("stored %s as %s\n", localPath, remotePath)
}

func runRetrieve(ctx context.Context, eng *engine.Engine, remotePath, localPath string) {
	meta, err := eng.DownloadMetaForPath(ctx, remotePath)
	fatalIf(err)
	if meta == nil {
		fmt.Fprintf(os.Stderr, "no such path: %s\n", remotePath)
		os.Exit(1)
	}

	out, err := os.Create(localPath)
	fatalIf(err)
	defer out.Close()

	for _, cmd := range meta.Commands {
		if cmd.Kind != segment.CommandAddBlock {
			continue
		}
		indexID := eng.Generator().RawOrParityID(cmd.Hash)
		data, err := eng.DownloadChunk(ctx, indexID, true)
		fatalIf(err)
		_, err = out.WriteAt(data, int64(cmd.Start))
		fatalIf(err)
	}
	fmt.Printf("retrieved %s to %s\n", remotePath, localPath)
}

// demoFactory returns an in-memory transport, standing in for the
// concrete Usenet/NNTP driver the core only specifies via the Service
// interface.
func demoFactory() *memtransport.Factory {
	return memtransport.NewFactory()
}

func defaultCatalogRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./vault-data"
	}
	dir := filepath.Join(home, ".vault", "data")
	os.MkdirAll(dir, 0755)
	return dir
}

func fatalIf(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: vault <command> [arguments]")
	fmt.Println("commands:")
	fmt.Println("  gen-storage-code")
	fmt.Println("  store [-dedup] <local-file> <remote-path>")
	fmt.Println("  retrieve <remote-path> <local-file>")
	fmt.Println("  info")
	fmt.Println("  flush")
}
