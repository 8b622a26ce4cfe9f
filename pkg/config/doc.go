// Package config provides application configuration management from
// environment variables plus a YAML file for the per-provider surface.
//
// # Overview
//
// Process-level settings come from GATEHOUSE_* environment variables with
// sensible defaults; identity providers are declared in a YAML file that
// can be edited without restarting (a filesystem watcher reloads it).
//
// # Environment Variables
//
// Server settings:
//
//	GATEHOUSE_HOST="0.0.0.0"
//	GATEHOUSE_PORT="8080"
//	GATEHOUSE_HEALTH_PORT="9090"
//	GATEHOUSE_READ_TIMEOUT="15s"
//	GATEHOUSE_WRITE_TIMEOUT="15s"
//
// SSO settings:
//
//	GATEHOUSE_SERVER_NAME="example.org"
//	GATEHOUSE_PUBLIC_BASE_URL="https://auth.example.org"
//	GATEHOUSE_PROVIDERS_FILE="/etc/gatehouse/providers.yaml"
//	GATEHOUSE_SESSION_LIFETIME="15m"
//	GATEHOUSE_LOGIN_TOKEN_SECRET="..."
//	GATEHOUSE_REDIRECT_WHITELIST="https://app.example.org/,https://chat.example.org/"
//
// Storage settings:
//
//	GATEHOUSE_STORAGE_TYPE="postgres"  # memory, sqlite, postgres
//	GATEHOUSE_SQLITE_PATH="/var/lib/gatehouse/gatehouse.db"
//	GATEHOUSE_POSTGRES_URL="postgres://localhost/gatehouse"
//	GATEHOUSE_REDIS_URL="redis://localhost:6379"
//	GATEHOUSE_S3_BUCKET="gatehouse-audit"
//
// Audit settings:
//
//	GATEHOUSE_AUDIT_ENABLED="true"
//	GATEHOUSE_AUDIT_LOG_DIR="/var/log/gatehouse/audit"
//	GATEHOUSE_AUDIT_RETENTION_DAYS="90"
//	GATEHOUSE_AUDIT_ARCHIVE_ENABLED="false"
//
// Observability settings:
//
//	GATEHOUSE_LOG_LEVEL="info"  # debug, info, warn, error
//	GATEHOUSE_METRICS_ENABLED="true"
//	GATEHOUSE_OTEL_ENABLED="true"
//	GATEHOUSE_OTEL_ENDPOINT="otel-collector:4317"
//
// # Providers File
//
// Each entry names a provider, its protocol, and its mapper settings:
//
//	providers:
//	  - id: corp-idp
//	    type: saml
//	    mxid_source_attribute: uid
//	    mxid_mapping: hexencode
//	    saml:
//	      idp_metadata_url: https://idp.example.com/metadata
//	  - id: partner
//	    type: oidc
//	    oidc:
//	      issuer_url: https://accounts.example.com
//	      client_id: gatehouse
//	      client_secret_file: /run/secrets/partner_oidc
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	providers, err := config.LoadProviders(cfg.SSO.ProvidersFile)
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Related Packages
//
//   - pkg/storage: backends are opened from the Storage section
//   - pkg/observability: log level and exporters come from Observability
//   - pkg/sso: the handler the YAML provider entries are built for
package config
