// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"math/big"

	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// parseHCL reads the top-level attributes of an HCL file. Blocks are not supported, nested
// values are written as objects:
//
//	composer = "LinearRegressor"
//	modes    = "train+test"
//	trainer__kwargs = {
//	  max_epochs = 3
//	}
func parseHCL(fileName string, contents []byte) (map[string]any, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(contents, fileName)
	if diags.HasErrors() {
		return nil, diags
	}
	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}
	values := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		value, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, diags
		}
		native, err := ctyToNative(value)
		if err != nil {
			return nil, errors.WithMessagef(err, "attribute %q", name)
		}
		values[name] = native
	}
	return values, nil
}

// ctyToNative converts a cty.Value to int, float64, bool, string, []any or map[string]any.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return int(i), nil
			}
		}
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, errors.Wrapf(err, "could not convert number %s to float64", bf.String())
		}
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		list := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}
			list = append(list, native)
		}
		return list, nil

	case ty.IsObjectType() || ty.IsMapType():
		m := make(map[string]any)
		for it := v.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, errors.WithMessagef(err, "in attribute %q", key.AsString())
			}
			m[key.AsString()] = native
		}
		return m, nil
	}
	return nil, errors.Errorf("unsupported HCL value type %s", ty.FriendlyName())
}
