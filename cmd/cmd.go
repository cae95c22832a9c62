// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	_ "github.com/cubefs/cubefs/blobstore/util/version"

	"github.com/cubefs/cloudkv/server"
	"github.com/cubefs/cloudkv/util"
)

// Config service config
type Config struct {
	server.Config

	BindAddr      string    `json:"bind_addr"`
	HttpBindPort  uint32    `json:"http_bind_port"`
	GrpcBindPort  uint32    `json:"grpc_bind_port"`
	MaxProcessors int       `json:"max_processors"`
	LogLevel      log.Level `json:"log_level"`
}

func main() {
	config.Init("f", "", "cloudkv.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}

	initConfig(cfg)
	registerLogLevel()
	modifyOpenFiles()
	log.SetOutputLevel(cfg.LogLevel)

	node, err := server.NewServer(context.Background(), &cfg.Config)
	if err != nil {
		log.Fatalf("start node failed: %s", errors.Detail(err))
	}

	// start http server
	httpServer := server.NewHttpServer(node)
	httpServer.Serve(util.JoinHostPort(cfg.BindAddr, cfg.HttpBindPort))

	// start grpc server
	grpcServer := server.NewRPCServer(node)
	grpcServer.Serve(util.JoinHostPort(cfg.BindAddr, cfg.GrpcBindPort))

	node.Start()
	log.Infof("node %s is up, cloud %s", node.Self().ID, node.Membership().Current().ID)

	// wait for signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	// stop all server
	grpcServer.Stop()
	httpServer.Stop()
	node.Close()
}

func registerLogLevel() {
	logLevelPath, logLevelHandler := log.ChangeDefaultLevelHandler()
	profile.HandleFunc(http.MethodPost, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
	profile.HandleFunc(http.MethodGet, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
}

func modifyOpenFiles() {
	var rLimit syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	log.Info("system limit: ", rLimit)

	if rLimit.Cur >= 102400 && rLimit.Max >= 102400 {
		return
	}

	rLimit.Cur = 1024000
	rLimit.Max = 1024000

	err = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("setting rlimit failed: %s", err)
	}
	err = syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	log.Info("system limit: ", rLimit)
}

func initConfig(cfg *Config) {
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
	if cfg.PersistConfig.Type != "" && cfg.PersistConfig.Path == "" {
		cfg.PersistConfig.Path = "./run/store"
	}

	host := cfg.BindAddr
	if host == "" {
		var err error
		host, err = util.GetLocalIp()
		if err != nil {
			log.Fatalf("can't get local ip address, please set bind_addr")
		}
	}
	if cfg.Addr == "" {
		cfg.Addr = util.JoinHostPort(host, cfg.GrpcBindPort)
	}
	if cfg.HttpAddr == "" {
		cfg.HttpAddr = util.JoinHostPort(host, cfg.HttpBindPort)
	}
	gossip := &cfg.TransportConfig.Gossip
	if gossip.AdvertiseAddr == "" && cfg.BindAddr == "" && gossip.BindPort > 0 {
		gossip.AdvertiseAddr = host
		gossip.AdvertisePort = gossip.BindPort
	}
}
