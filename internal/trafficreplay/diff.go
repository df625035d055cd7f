package trafficreplay

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/gjson"

	"github.com/wudi/relay/internal/proxy"
	"github.com/wudi/relay/internal/store"
)

// Diff compares a replayed response with the recorded one.
type Diff = store.Diff

// KeyDiff holds both sides of a changed top-level JSON key.
type KeyDiff = store.KeyDiff

// Sample is one side of a comparison.
type Sample struct {
	StatusCode int
	Body       []byte
	Encoding   string // Content-Encoding of Body, if any
	ElapsedMs  int64
}

var null = json.RawMessage("null")

// Compare diffs replay against original. When both bodies are JSON objects
// the top-level keys are compared by value; otherwise the bodies are compared
// byte for byte and fingerprinted.
func Compare(original, replay Sample) *Diff {
	d := &Diff{
		StatusMatch:    original.StatusCode == replay.StatusCode,
		OriginalStatus: original.StatusCode,
		ReplayStatus:   replay.StatusCode,
		ElapsedDeltaMs: replay.ElapsedMs - original.ElapsedMs,
	}

	origBody := proxy.DecodeBody(original.Body, original.Encoding)
	replayBody := proxy.DecodeBody(replay.Body, replay.Encoding)

	a, aok := jsonObject(origBody)
	b, bok := jsonObject(replayBody)
	if aok && bok {
		d.JSON = true
		d.Keys = diffKeys(a, b)
		d.BodyDiffers = len(d.Keys) > 0
		return d
	}

	d.BodyDiffers = !bytes.Equal(origBody, replayBody)
	d.OriginalHash = fingerprint(origBody)
	d.ReplayHash = fingerprint(replayBody)
	return d
}

func jsonObject(body []byte) (gjson.Result, bool) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return gjson.Result{}, false
	}
	r := gjson.ParseBytes(body)
	return r, r.IsObject()
}

func diffKeys(a, b gjson.Result) map[string]KeyDiff {
	left := a.Map()
	right := b.Map()

	var keys map[string]KeyDiff
	add := func(k string, l, r gjson.Result, lok, rok bool) {
		if lok && rok && reflect.DeepEqual(l.Value(), r.Value()) {
			return
		}
		if keys == nil {
			keys = make(map[string]KeyDiff)
		}
		kd := KeyDiff{Original: null, Replay: null}
		if lok {
			kd.Original = json.RawMessage(l.Raw)
		}
		if rok {
			kd.Replay = json.RawMessage(r.Raw)
		}
		keys[k] = kd
	}

	for k, l := range left {
		r, rok := right[k]
		add(k, l, r, true, rok)
	}
	for k, r := range right {
		if _, ok := left[k]; !ok {
			add(k, gjson.Result{}, r, false, true)
		}
	}
	return keys
}

func fingerprint(body []byte) string {
	return strconv.FormatUint(xxhash.Sum64(body), 16)
}
