/*
 * Copyright 2024 The zkDatabase Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package conf holds the process configuration, read once from a YAML file
// at startup.
package conf

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Default worker backoff parameters.
const (
	DefaultBackoffBase   = 1000 * time.Millisecond
	DefaultBackoffCap    = 32000 * time.Millisecond
	DefaultBackoffJitter = 1000 * time.Millisecond
)

// Other defaults.
const (
	DefaultTreeHeight      = 64
	DefaultMerkleCacheSize = 4096
	DefaultCommitTimeout   = 10 * time.Second
	DefaultWorkerCount     = 1
)

// StorageInfo holds the DSNs of the backing stores. The document store and
// the queue store may live in physically separate files.
type StorageInfo struct {
	// DocumentDSN is the sqlite DSN of the document store.
	DocumentDSN string `yaml:"DocumentDSN"`
	// QueueDSN is the sqlite DSN of the queue/log store.
	QueueDSN string `yaml:"QueueDSN"`
}

// WorkerInfo holds the prover worker pool configuration.
type WorkerInfo struct {
	// Count is the number of concurrent prover workers.
	Count int `yaml:"Count"`
	// BackoffBase is the initial empty-poll sleep.
	BackoffBase time.Duration `yaml:"BackoffBase"`
	// BackoffCap is the maximum empty-poll sleep.
	BackoffCap time.Duration `yaml:"BackoffCap"`
	// BackoffJitter is the maximum random addition per empty-poll sleep.
	BackoffJitter time.Duration `yaml:"BackoffJitter"`
	// MaxEmptyPolls stops a worker after this many consecutive empty
	// polls; 0 runs unbounded. Used for bounded batch runs.
	MaxEmptyPolls int `yaml:"MaxEmptyPolls"`
}

// MerkleInfo holds the tree parameters of newly created databases.
type MerkleInfo struct {
	// TreeHeight is the level count of new trees, valid range [8, 256].
	TreeHeight int `yaml:"TreeHeight"`
	// CacheSize is the per-tree node cache capacity.
	CacheSize int `yaml:"CacheSize"`
}

// Config holds all the config read from the yaml config file.
type Config struct {
	// LogLevel sets the log level of the process.
	LogLevel string `yaml:"LogLevel"`
	// CommitTimeout bounds one compound commit unit.
	CommitTimeout time.Duration `yaml:"CommitTimeout"`

	Storage *StorageInfo `yaml:"Storage"`
	Worker  *WorkerInfo  `yaml:"Worker"`
	Merkle  *MerkleInfo  `yaml:"Merkle"`
}

// GConf is the global config pointer.
var GConf *Config

// LoadConfig loads the config from the configPath and fills defaults.
func LoadConfig(configPath string) (config *Config, err error) {
	configBytes, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	config = &Config{}
	if err = yaml.Unmarshal(configBytes, config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config file")
	}

	if config.Storage == nil {
		config.Storage = &StorageInfo{}
	}
	if config.Worker == nil {
		config.Worker = &WorkerInfo{}
	}
	if config.Merkle == nil {
		config.Merkle = &MerkleInfo{}
	}
	if config.CommitTimeout <= 0 {
		config.CommitTimeout = DefaultCommitTimeout
	}
	if config.Worker.Count <= 0 {
		config.Worker.Count = DefaultWorkerCount
	}
	if config.Worker.BackoffBase <= 0 {
		config.Worker.BackoffBase = DefaultBackoffBase
	}
	if config.Worker.BackoffCap <= 0 {
		config.Worker.BackoffCap = DefaultBackoffCap
	}
	if config.Worker.BackoffJitter <= 0 {
		config.Worker.BackoffJitter = DefaultBackoffJitter
	}
	if config.Merkle.TreeHeight <= 0 {
		config.Merkle.TreeHeight = DefaultTreeHeight
	}
	if config.Merkle.CacheSize <= 0 {
		config.Merkle.CacheSize = DefaultMerkleCacheSize
	}

	return config, nil
}
