package config

// builtinConfigSchema constrains the application configuration before it is
// decoded. Optional blocks get their defaults in ApplyDefaults; the schema
// catches typos and out-of-range values with file positions attached.
const builtinConfigSchema = `
#Config: {
	engine?: {
		max_retries?:        int & >=0 & <=10
		base_backoff?:       string
		max_backoff?:        string
		apply_timeout?:      string
		revert_timeout?:     string
		reconcile_interval?: string
		unknown_grace?:      string
	}

	templates: {
		root:   string & !=""
		watch?: bool
	}

	defaults?: {
		namespace?: string
		max_ttl?:   string
	}

	policy?: {
		protected_namespaces?: [...string]
		max_ttl?:         string
		max_target_pods?: int & >=0
		policy_dir?:      string
		disabled?: [...string]
	}

	backends?: {
		chaos_mesh?: {
			enabled?:        bool
			kubectl_binary?: string
			kube_context?:   string
		}
		host_agent?: {
			enabled?:     bool
			binary?:      string
			payload_dir?: string
			ssh?: {
				host?:                     string
				port?:                     int & >=0 & <=65535
				user?:                     string
				auth_method?:              "key" | "password"
				password?:                 string
				private_key_path?:         string
				known_hosts_path?:         string
				strict_host_key_checking?: bool
				connect_timeout?:          string
			}
		}
		custom?: {
			enabled?:      bool
			hook_timeout?: string
		}
	}

	store?: {
		path?: string
	}

	telemetry?: {
		log_level?:        "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		log_format?:       "console" | "json"
		metrics_enabled?:  bool
		metrics_address?:  string
		tracing_enabled?:  bool
		tracing_exporter?: "otlp" | "stdout" | "none"
		tracing_endpoint?: string
	}
}
`
