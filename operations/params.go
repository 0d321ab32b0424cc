package operations

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/nuxeo/nuxeo-go/apierrors"
	"github.com/nuxeo/nuxeo-go/uploads/blob"
)

// CheckParams validates params against the descriptor of command: unknown operation,
// unexpected parameter, missing required parameter and wrong type are BadQuery errors.
func (s *Service) CheckParams(ctx context.Context, command string, params map[string]interface{}) error {
	operations, err := s.cachedOperations(ctx, false)
	if err != nil {
		return err
	}

	op, ok := operations[command]
	if !ok {
		return apierrors.NewBadQuery("%q is not a registered operation", command)
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		param, ok := op.Param(name)
		if !ok {
			return apierrors.NewBadQuery("unexpected parameter %q for operation %s", name, command)
		}
		value := params[name]
		if isNil(value) {
			continue
		}
		if !typeMatches(param.Type, value) {
			return apierrors.NewBadQuery("parameter %q of operation %s should be of type %s, got %T", name, command, param.Type, value)
		}
	}

	for _, param := range op.Params {
		if !param.Required {
			continue
		}
		if value, ok := params[param.Name]; !ok || isNil(value) {
			return apierrors.NewBadQuery("missing parameter %q for operation %s", param.Name, command)
		}
	}
	return nil
}

func typeMatches(paramType string, value interface{}) bool {
	kind := reflect.TypeOf(value).Kind()
	switch strings.ToLower(paramType) {
	case "boolean":
		return kind == reflect.Bool
	case "integer", "long":
		return isInteger(kind)
	case "float", "double", "number":
		return isInteger(kind) || kind == reflect.Float32 || kind == reflect.Float64
	case "string", "document", "resource":
		return kind == reflect.String
	case "date":
		_, isTime := value.(time.Time)
		return isTime || kind == reflect.String
	case "documents", "documentsref", "stringlist":
		_, isList := value.([]string)
		return isList || kind == reflect.String
	case "blob":
		_, isBlob := value.(*blob.Info)
		return isBlob || kind == reflect.String
	case "blobs", "bloblist":
		_, isBlobs := value.([]*blob.Info)
		return isBlobs
	case "properties", "map", "object", "serializable":
		return kind == reflect.Map || kind == reflect.String
	}
	// Types added by server side contributions are not checked.
	return true
}

func isInteger(kind reflect.Kind) bool {
	switch kind {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func isNil(value interface{}) bool {
	if value == nil {
		return true
	}
	switch v := reflect.ValueOf(value); v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// sanitize drops nil values, renders "properties" as "key=value" lines and replaces
// uploaded blobs by their batch references.
func sanitize(params map[string]interface{}) map[string]interface{} {
	sanitized := map[string]interface{}{}
	for name, value := range params {
		if isNil(value) {
			continue
		}
		switch v := value.(type) {
		case *blob.Info:
			sanitized[name] = v.Ref()
			continue
		case []*blob.Info:
			refs := make([]map[string]string, 0, len(v))
			for _, b := range v {
				refs = append(refs, b.Ref())
			}
			sanitized[name] = refs
			continue
		}
		if name == "properties" {
			if lines, ok := propertyLines(value); ok {
				sanitized[name] = lines
				continue
			}
		}
		sanitized[name] = value
	}
	return sanitized
}

func propertyLines(value interface{}) (string, bool) {
	v := reflect.ValueOf(value)
	if v.Kind() != reflect.Map {
		return "", false
	}

	lines := make([]string, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		lines = append(lines, fmt.Sprintf("%v=%v", iter.Key().Interface(), iter.Value().Interface()))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n"), true
}
