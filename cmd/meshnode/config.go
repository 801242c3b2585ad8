package main

import (
	"github.com/kelseyhightower/envconfig"
	"github.com/pyropy/chunkmesh/core/replication"
	"github.com/pyropy/chunkmesh/core/transport"
)

type Config struct {
	DataDir   string `envconfig:"DATA_DIR" default:"./data"`
	Workspace string `envconfig:"WORKSPACE" default:"default"`
}

type NodeConfig struct {
	Node        Config
	Transport   transport.Config
	Replication replication.Config
}

func GetConfig() (*NodeConfig, error) {
	var cfg Config
	if err := envconfig.Process("MESH", &cfg); err != nil {
		return nil, err
	}

	tcfg, err := transport.GetConfig()
	if err != nil {
		return nil, err
	}

	rcfg, err := replication.GetConfig()
	if err != nil {
		return nil, err
	}

	return &NodeConfig{Node: cfg, Transport: *tcfg, Replication: *rcfg}, nil
}
