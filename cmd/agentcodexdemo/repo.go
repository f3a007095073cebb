package main

import (
	"context"
	"flag"

	"agentcodex/internal/log"
	"agentcodex/pkg/config"
	"agentcodex/pkg/repo"
	"agentcodex/pkg/store/filestore"
)

const defaultDataPath = ".agentcodex/repo.db"

// repoFlags registers the flags every subcommand shares: which backend
// file to open and which tenant to act as. Demo-only; a real deployment
// wires config.Config from its own environment, not flag.FlagSet.
func repoFlags(fs *flag.FlagSet) (dataPath, tenant *string) {
	dataPath = fs.String("data", defaultDataPath, "path to the bbolt-backed repository file")
	tenant = fs.String("tenant", "default", "tenant id to act as")
	return
}

func openRepo(ctx context.Context, dataPath, tenant string) (*repo.Repository, func(), error) {
	backend, err := filestore.Open(dataPath)
	if err != nil {
		return nil, nil, err
	}
	if err := backend.Initialize(ctx); err != nil {
		backend.Close()
		return nil, nil, err
	}

	cfg := config.DefaultConfig(tenant, config.BackendFile, "")
	r, err := repo.Open(ctx, backend, cfg)
	if err != nil {
		backend.Close()
		return nil, nil, err
	}

	log.WithTenant(tenant).Debug().Str("path", dataPath).Msg("opened repository")
	return r, func() { r.Close() }, nil
}
