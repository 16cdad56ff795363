// Package config loads the safety core's immutable boot-time configuration:
// the RV-C/J1939 PGN table, the coach device-to-entity mapping, CAN
// interface names, PIN policy, rate-limit parameters, and retention
// policies. Configuration is read once from a YAML file (plus .env/envdecode
// overrides for select tunables) and validated totally before the Service
// Registry starts anything; there is no mutation path after Load returns.
package config
