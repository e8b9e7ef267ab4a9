// Package config defines the format-agnostic model of a flow definition.
//
// The model is produced by a Loader (the HCL loader in internal/hclcfg is
// the stock implementation) and consumed by the flow builder. Keeping the
// model independent of any concrete syntax lets tests construct definitions
// directly and leaves room for alternative definition formats.
package config
