//go:build js && wasm

package main

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"syscall/js"
	"time"

	"github.com/lucasjlepore/fitrepair/pipeline"
	"github.com/lucasjlepore/fitrepair/repair"
)

func main() {
	js.Global().Set("repairFit", js.FuncOf(repairFit))
	select {}
}

func repairFit(_ js.Value, args []js.Value) any {
	if len(args) < 1 {
		return failure("expected arguments: fileBytes(Uint8Array), options(object)")
	}
	fileArg := args[0]
	optsArg := js.Undefined()
	if len(args) > 1 {
		optsArg = args[1]
	}
	if fileArg.IsUndefined() || fileArg.IsNull() || fileArg.Get("length").Int() == 0 {
		return failure("fit file bytes are required")
	}

	fileBytes := make([]byte, fileArg.Get("length").Int())
	if n := js.CopyBytesToGo(fileBytes, fileArg); n == 0 {
		return failure("failed to read FIT bytes from JS input")
	}

	opts := pipeline.BytesOptions{
		SourceFileName: getString(optsArg, "source_file_name", "input.fit"),
		FitData:        fileBytes,
		Repair: repair.Options{
			MaxExcision: int64(getInt(optsArg, "max_excision", repair.DefaultMaxExcision)),
			MultiGap:    getBool(optsArg, "multi_gap", false),
		},
		// parquet is not built for js
		IndexFormat:     "csv",
		CompressRecords: getBool(optsArg, "compress_records", false),
		CopySource:      getBool(optsArg, "copy_source", true),
	}
	result, err := pipeline.RunBytes(opts)
	if result == nil {
		return failure(err.Error())
	}

	reportJSON, merr := json.MarshalIndent(result.Report, "", "  ")
	if merr != nil {
		return failure(fmt.Sprintf("encode report: %v", merr))
	}
	if err != nil {
		out := failure(err.Error())
		out["report"] = string(reportJSON)
		return out
	}

	zipBytes, err := zipArtifacts(result.Files)
	if err != nil {
		return failure(fmt.Sprintf("create zip: %v", err))
	}

	fileNames := make([]any, 0, len(result.Files))
	for _, name := range sortedNames(result.Files) {
		fileNames = append(fileNames, name)
	}

	return map[string]any{
		"ok":       true,
		"repaired": toUint8Array(result.Files[pipeline.RepairedFileName]),
		"report":   string(reportJSON),
		"zip":      toUint8Array(zipBytes),
		"files":    fileNames,
	}
}

func failure(msg string) map[string]any {
	return map[string]any{
		"ok":    false,
		"error": msg,
	}
}

func toUint8Array(b []byte) js.Value {
	arr := js.Global().Get("Uint8Array").New(len(b))
	js.CopyBytesToJS(arr, b)
	return arr
}

func sortedNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func zipArtifacts(files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	fixedTime := time.Unix(0, 0).UTC()

	for _, name := range sortedNames(files) {
		h := &zip.FileHeader{
			Name:   name,
			Method: zip.Deflate,
		}
		h.SetModTime(fixedTime)
		w, err := zw.CreateHeader(h)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(files[name]); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func getString(v js.Value, key, fallback string) string {
	out, ok := lookup(v, key)
	if !ok {
		return fallback
	}
	s := out.String()
	if s == "" || s == "undefined" || s == "null" {
		return fallback
	}
	return s
}

func getInt(v js.Value, key string, fallback int) int {
	out, ok := lookup(v, key)
	if !ok || out.Type() != js.TypeNumber {
		return fallback
	}
	return out.Int()
}

func getBool(v js.Value, key string, fallback bool) bool {
	out, ok := lookup(v, key)
	if !ok || out.Type() != js.TypeBoolean {
		return fallback
	}
	return out.Bool()
}

func lookup(v js.Value, key string) (js.Value, bool) {
	if v.IsUndefined() || v.IsNull() {
		return js.Value{}, false
	}
	out := v.Get(key)
	if out.IsUndefined() || out.IsNull() {
		return js.Value{}, false
	}
	return out, true
}
