// Package config loads configuration for the OnDuty binaries.
//
// # Server (onduty-devserver)
//
// YAML, loaded with Load. ${VAR} references are expanded from the environment
// before parsing, so secrets can stay out of the file:
//
//	server:
//	  http_addr: "127.0.0.1:8000"
//	database:
//	  path: "./onduty.db"
//	auth:
//	  jwt_secret: "${ONDUTY_JWT_SECRET}"
//	verification:
//	  code_ttl: "15m"
//	  ticket_ttl: "15m"
//	  unlock_ttl: "48h"
//	  max_attempts: 5
//	tenants:
//	  - slug: acme
//	    name: Acme
//	    agents:
//	      - slug: acme
//	        name: Acme Support
//
// Durations are written as Go duration strings and parsed after unmarshaling.
//
// # Client (onduty-chat)
//
// TOML, loaded with LoadChat from ChatConfigPath. A missing file is not an
// error; command-line flags fill in what the file leaves out and Validate is
// called afterwards.
//
//	[backend]
//	url = "http://127.0.0.1:8000"
//	timeout = "20s"
//
//	[agent]
//	slug = "acme"
package config
