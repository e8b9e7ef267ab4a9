// Package hclcfg loads flow definitions written in HCL into the
// format-agnostic config model.
package hclcfg
