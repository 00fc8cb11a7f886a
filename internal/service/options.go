// Package service specializes process.Supervisor for the two managed
// services: the inference backend and the application server.
package service

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/loykin/nodevisor/internal/env"
)

var ErrUnknownOption = errors.New("unknown option")

// field binds one options struct member to its JSON key. The environment
// variable name is the upper-cased key.
type field[T any] struct {
	key string
	get func(*T) *string
}

func (f field[T]) env() string { return strings.ToUpper(f.key) }

// mergeFields returns base with every non-empty member of over applied.
func mergeFields[T any](fields []field[T], base, over T) T {
	out := base
	for _, f := range fields {
		if v := *f.get(&over); v != "" {
			*f.get(&out) = v
		}
	}
	return out
}

// envOf projects the non-empty members to environment variables.
func envOf[T any](fields []field[T], o T) env.Var {
	m := make(env.Var, len(fields))
	for _, f := range fields {
		if v := *f.get(&o); v != "" {
			m[f.env()] = v
		}
	}
	return m
}

// setField assigns one member addressed by JSON key or env name.
func setField[T any](fields []field[T], o *T, key, value string) error {
	k := strings.ToLower(strings.TrimSpace(key))
	for _, f := range fields {
		if f.key == k {
			*f.get(o) = value
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownOption, key)
}

func keysOf[T any](fields []field[T]) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, f.key)
	}
	sort.Strings(out)
	return out
}

func portOf(s string) int {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p <= 0 || p > 65535 {
		return 0
	}
	return p
}

// hostPort splits "host:port"; a bare host yields port 0.
func hostPort(addr string) (string, int) {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "http://"), "https://")
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	return h, portOf(p)
}

// BackendOptions configure the inference backend through its environment.
type BackendOptions struct {
	OllamaHost            string `json:"ollama_host,omitempty" mapstructure:"ollama_host"`
	OllamaNumParallel     string `json:"ollama_num_parallel,omitempty" mapstructure:"ollama_num_parallel"`
	OllamaMaxLoadedModels string `json:"ollama_max_loaded_models,omitempty" mapstructure:"ollama_max_loaded_models"`
	OllamaOrigins         string `json:"ollama_origins,omitempty" mapstructure:"ollama_origins"`
	OllamaModels          string `json:"ollama_models,omitempty" mapstructure:"ollama_models"`
	OllamaKeepAlive       string `json:"ollama_keep_alive,omitempty" mapstructure:"ollama_keep_alive"`
}

var backendFields = []field[BackendOptions]{
	{"ollama_host", func(o *BackendOptions) *string { return &o.OllamaHost }},
	{"ollama_num_parallel", func(o *BackendOptions) *string { return &o.OllamaNumParallel }},
	{"ollama_max_loaded_models", func(o *BackendOptions) *string { return &o.OllamaMaxLoadedModels }},
	{"ollama_origins", func(o *BackendOptions) *string { return &o.OllamaOrigins }},
	{"ollama_models", func(o *BackendOptions) *string { return &o.OllamaModels }},
	{"ollama_keep_alive", func(o *BackendOptions) *string { return &o.OllamaKeepAlive }},
}

func DefaultBackendOptions() BackendOptions {
	return BackendOptions{
		OllamaHost:            "127.0.0.1:11435",
		OllamaNumParallel:     "1",
		OllamaMaxLoadedModels: "1",
		OllamaOrigins:         "*",
	}
}

func (o BackendOptions) Merge(over BackendOptions) BackendOptions {
	return mergeFields(backendFields, o, over)
}

func (o BackendOptions) Env() env.Var { return envOf(backendFields, o) }

func (o *BackendOptions) Set(key, value string) error { return setField(backendFields, o, key, value) }

func BackendOptionKeys() []string { return keysOf(backendFields) }

// BaseURL is the HTTP address of the backend API.
func (o BackendOptions) BaseURL() string {
	h, p := hostPort(o.OllamaHost)
	if h == "" || h == "0.0.0.0" {
		h = "127.0.0.1"
	}
	if p == 0 {
		p = 11434
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(h, strconv.Itoa(p)))
}

func (o BackendOptions) Ports() []int {
	if _, p := hostPort(o.OllamaHost); p > 0 {
		return []int{p}
	}
	return nil
}

// AppServerOptions configure the application server through its environment.
type AppServerOptions struct {
	NodeAPIIP                        string `json:"node_api_ip,omitempty" mapstructure:"node_api_ip"`
	NodeAPIPort                      string `json:"node_api_port,omitempty" mapstructure:"node_api_port"`
	NodeWSPort                       string `json:"node_ws_port,omitempty" mapstructure:"node_ws_port"`
	NodeIP                           string `json:"node_ip,omitempty" mapstructure:"node_ip"`
	NodePort                         string `json:"node_port,omitempty" mapstructure:"node_port"`
	GlobalIdentityName               string `json:"global_identity_name,omitempty" mapstructure:"global_identity_name"`
	NodeStoragePath                  string `json:"node_storage_path,omitempty" mapstructure:"node_storage_path"`
	EmbeddingsServerURL              string `json:"embeddings_server_url,omitempty" mapstructure:"embeddings_server_url"`
	FirstDeviceNeedsRegistrationCode string `json:"first_device_needs_registration_code,omitempty" mapstructure:"first_device_needs_registration_code"`
	InitialAgentNames                string `json:"initial_agent_names,omitempty" mapstructure:"initial_agent_names"`
	InitialAgentURLs                 string `json:"initial_agent_urls,omitempty" mapstructure:"initial_agent_urls"`
	InitialAgentModels               string `json:"initial_agent_models,omitempty" mapstructure:"initial_agent_models"`
	InitialAgentAPIKeys              string `json:"initial_agent_api_keys,omitempty" mapstructure:"initial_agent_api_keys"`
	DefaultEmbeddingModel            string `json:"default_embedding_model,omitempty" mapstructure:"default_embedding_model"`
	LogAll                           string `json:"log_all,omitempty" mapstructure:"log_all"`
	ProxyIdentity                    string `json:"proxy_identity,omitempty" mapstructure:"proxy_identity"`
	RPCURL                           string `json:"rpc_url,omitempty" mapstructure:"rpc_url"`
}

var appServerFields = []field[AppServerOptions]{
	{"node_api_ip", func(o *AppServerOptions) *string { return &o.NodeAPIIP }},
	{"node_api_port", func(o *AppServerOptions) *string { return &o.NodeAPIPort }},
	{"node_ws_port", func(o *AppServerOptions) *string { return &o.NodeWSPort }},
	{"node_ip", func(o *AppServerOptions) *string { return &o.NodeIP }},
	{"node_port", func(o *AppServerOptions) *string { return &o.NodePort }},
	{"global_identity_name", func(o *AppServerOptions) *string { return &o.GlobalIdentityName }},
	{"node_storage_path", func(o *AppServerOptions) *string { return &o.NodeStoragePath }},
	{"embeddings_server_url", func(o *AppServerOptions) *string { return &o.EmbeddingsServerURL }},
	{"first_device_needs_registration_code", func(o *AppServerOptions) *string { return &o.FirstDeviceNeedsRegistrationCode }},
	{"initial_agent_names", func(o *AppServerOptions) *string { return &o.InitialAgentNames }},
	{"initial_agent_urls", func(o *AppServerOptions) *string { return &o.InitialAgentURLs }},
	{"initial_agent_models", func(o *AppServerOptions) *string { return &o.InitialAgentModels }},
	{"initial_agent_api_keys", func(o *AppServerOptions) *string { return &o.InitialAgentAPIKeys }},
	{"default_embedding_model", func(o *AppServerOptions) *string { return &o.DefaultEmbeddingModel }},
	{"log_all", func(o *AppServerOptions) *string { return &o.LogAll }},
	{"proxy_identity", func(o *AppServerOptions) *string { return &o.ProxyIdentity }},
	{"rpc_url", func(o *AppServerOptions) *string { return &o.RPCURL }},
}

// DefaultAppServerOptions returns the defaults for a node storing its data
// under storagePath.
func DefaultAppServerOptions(storagePath string) AppServerOptions {
	return AppServerOptions{
		NodeAPIIP:                        "127.0.0.1",
		NodeAPIPort:                      "9550",
		NodeWSPort:                       "9551",
		NodeIP:                           "127.0.0.1",
		NodePort:                         "9552",
		GlobalIdentityName:               "@@localhost.node",
		NodeStoragePath:                  storagePath,
		EmbeddingsServerURL:              "http://127.0.0.1:11435/",
		FirstDeviceNeedsRegistrationCode: "false",
		InitialAgentNames:                "llama3_2_1b",
		InitialAgentURLs:                 "http://127.0.0.1:11435",
		InitialAgentModels:               "ollama:llama3.2:1b",
		InitialAgentAPIKeys:              "",
		DefaultEmbeddingModel:            "snowflake-arctic-embed:xs",
		LogAll:                           "1",
	}
}

func (o AppServerOptions) Merge(over AppServerOptions) AppServerOptions {
	return mergeFields(appServerFields, o, over)
}

func (o AppServerOptions) Env() env.Var { return envOf(appServerFields, o) }

func (o *AppServerOptions) Set(key, value string) error {
	return setField(appServerFields, o, key, value)
}

func AppServerOptionKeys() []string { return keysOf(appServerFields) }

// BaseURL is the HTTP address of the application server API.
func (o AppServerOptions) BaseURL() string {
	ip := strings.TrimSpace(o.NodeAPIIP)
	if ip == "" || ip == "0.0.0.0" {
		ip = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(ip, strings.TrimSpace(o.NodeAPIPort)))
}

// Ports lists the API, websocket and peer ports, skipping unset ones.
func (o AppServerOptions) Ports() []int {
	var out []int
	for _, s := range []string{o.NodeAPIPort, o.NodeWSPort, o.NodePort} {
		if p := portOf(s); p > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Options holds the effective options of both services.
type Options struct {
	Backend   BackendOptions   `json:"backend" mapstructure:"backend"`
	AppServer AppServerOptions `json:"app_server" mapstructure:"app_server"`
}

func (o Options) Merge(over Options) Options {
	return Options{
		Backend:   o.Backend.Merge(over.Backend),
		AppServer: o.AppServer.Merge(over.AppServer),
	}
}

// Set assigns "backend.<key>" or "app_server.<key>"; a bare key is looked up
// in both tables, backend first.
func (o *Options) Set(key, value string) error {
	scope, name, found := strings.Cut(key, ".")
	if !found {
		if err := o.Backend.Set(key, value); err == nil {
			return nil
		}
		return o.AppServer.Set(key, value)
	}
	switch strings.ToLower(scope) {
	case "backend":
		return o.Backend.Set(name, value)
	case "app_server", "app-server", "appserver":
		return o.AppServer.Set(name, value)
	}
	return fmt.Errorf("%w: %s", ErrUnknownOption, key)
}
