/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package sshwire

import (
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

type ValueKind int

const (
	CBORUint ValueKind = iota
	CBORInt
	CBORBytes
	CBORText
	CBORArray
	CBORMap
	CBORBool
	CBORNull
)

type (
	// Value is a decoded CBOR data item.  Only the field matching Kind is set.
	Value struct {
		Kind  ValueKind
		Uint  uint64
		Int   int64
		Bytes []byte
		Text  string
		Array []Value
		Map   []MapEntry
		Bool  bool
	}

	MapEntry struct {
		Key   Value
		Value Value
	}
)

var cborDecMode cbor.DecMode

func init() {
	var err error
	cborDecMode, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		TagsMd:          cbor.TagsForbidden,
		MaxNestedLevels: 16,
		IntDec:          cbor.IntDecConvertNone,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// DecodeCBOR decodes exactly one definite-length CBOR data item.  Tags,
// floats and indefinite-length items are not needed for COSE keys and are
// rejected.
func DecodeCBOR(b []byte) (Value, error) {
	var raw interface{}
	if err := cborDecMode.Unmarshal(b, &raw); err != nil {
		return Value{}, &CodecError{Codec: "cbor", Msg: "decode failed", Err: err}
	}
	return toValue(raw)
}

func toValue(raw interface{}) (Value, error) {
	switch v := raw.(type) {
	case uint64:
		return Value{Kind: CBORUint, Uint: v}, nil
	case int64:
		return Value{Kind: CBORInt, Int: v}, nil
	case []byte:
		return Value{Kind: CBORBytes, Bytes: v}, nil
	case string:
		return Value{Kind: CBORText, Text: v}, nil
	case bool:
		return Value{Kind: CBORBool, Bool: v}, nil
	case nil:
		return Value{Kind: CBORNull}, nil
	case []interface{}:
		arr := make([]Value, 0, len(v))
		for _, item := range v {
			elem, err := toValue(item)
			if err != nil {
				return Value{}, err
			}
			arr = append(arr, elem)
		}
		return Value{Kind: CBORArray, Array: arr}, nil
	case map[interface{}]interface{}:
		entries := make([]MapEntry, 0, len(v))
		for key, val := range v {
			k, err := toValue(key)
			if err != nil {
				return Value{}, err
			}
			item, err := toValue(val)
			if err != nil {
				return Value{}, err
			}
			entries = append(entries, MapEntry{Key: k, Value: item})
		}
		return Value{Kind: CBORMap, Map: entries}, nil
	default:
		return Value{}, newCodecError("cbor", fmt.Sprintf("unsupported data item of type %T", raw))
	}
}

// AsInt returns the value as a signed integer if it is an integer that fits.
func (v Value) AsInt() (int64, bool) {
	switch v.Kind {
	case CBORInt:
		return v.Int, true
	case CBORUint:
		if v.Uint > math.MaxInt64 {
			return 0, false
		}
		return int64(v.Uint), true
	}
	return 0, false
}

// Lookup finds the entry with the given integer key in a map value.
func (v Value) Lookup(key int64) (Value, bool) {
	if v.Kind != CBORMap {
		return Value{}, false
	}
	for _, entry := range v.Map {
		if k, ok := entry.Key.AsInt(); ok && k == key {
			return entry.Value, true
		}
	}
	return Value{}, false
}
