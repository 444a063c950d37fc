package pipeline

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/samcharles93/spindle/internal/tokenizer"
)

const localKey = "spindle.evaluation"

// View is the read-only picture of a step handed to a hook.
type View struct {
	SessionID string
	Step      int
	Logits    []float32
	History   []int
	Params    map[string]float64
	Vocab     tokenizer.Vocabulary
}

type evaluation struct {
	view   View
	hook   string
	effect Effect
}

func hostAPI() starlark.StringDict {
	return starlark.StringDict{
		"logits":     starlark.NewBuiltin("logits", hostLogits),
		"logit":      starlark.NewBuiltin("logit", hostLogit),
		"vocab_size": starlark.NewBuiltin("vocab_size", hostVocabSize),
		"eos_id":     starlark.NewBuiltin("eos_id", hostEOS),
		"history":    starlark.NewBuiltin("history", hostHistory),
		"token_text": starlark.NewBuiltin("token_text", hostTokenText),
		"param":      starlark.NewBuiltin("param", hostParam),
		"step":       starlark.NewBuiltin("step", hostStep),
		"bias":       starlark.NewBuiltin("bias", hostBias),
		"ban":        starlark.NewBuiltin("ban", hostBan),
		"stop":       starlark.NewBuiltin("stop", hostStop),
	}
}

func current(thread *starlark.Thread, b *starlark.Builtin) (*evaluation, error) {
	ev, _ := thread.Local(localKey).(*evaluation)
	if ev == nil {
		return nil, fmt.Errorf("%s: only callable from %s or %s", b.Name(), hookBefore, hookAfter)
	}
	return ev, nil
}

func (ev *evaluation) checkToken(b *starlark.Builtin, id int) error {
	if id < 0 || id >= len(ev.view.Logits) {
		return fmt.Errorf("%s: token id %d out of range [0, %d)", b.Name(), id, len(ev.view.Logits))
	}
	return nil
}

func hostLogits(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	ev, err := current(thread, b)
	if err != nil {
		return nil, err
	}
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	elems := make([]starlark.Value, len(ev.view.Logits))
	for i, l := range ev.view.Logits {
		elems[i] = starlark.Float(l)
	}
	return starlark.NewList(elems), nil
}

func hostLogit(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	ev, err := current(thread, b)
	if err != nil {
		return nil, err
	}
	var id int
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &id); err != nil {
		return nil, err
	}
	if err := ev.checkToken(b, id); err != nil {
		return nil, err
	}
	return starlark.Float(ev.view.Logits[id]), nil
}

func hostVocabSize(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	ev, err := current(thread, b)
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt(len(ev.view.Logits)), nil
}

func hostEOS(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	ev, err := current(thread, b)
	if err != nil {
		return nil, err
	}
	if ev.view.Vocab == nil {
		return starlark.None, nil
	}
	return starlark.MakeInt(ev.view.Vocab.EOSID()), nil
}

func hostHistory(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	ev, err := current(thread, b)
	if err != nil {
		return nil, err
	}
	elems := make([]starlark.Value, len(ev.view.History))
	for i, id := range ev.view.History {
		elems[i] = starlark.MakeInt(id)
	}
	return starlark.NewList(elems), nil
}

func hostTokenText(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	ev, err := current(thread, b)
	if err != nil {
		return nil, err
	}
	var id int
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &id); err != nil {
		return nil, err
	}
	if err := ev.checkToken(b, id); err != nil {
		return nil, err
	}
	if ev.view.Vocab == nil {
		return starlark.String(""), nil
	}
	return starlark.String(ev.view.Vocab.TokenString(id)), nil
}

func hostParam(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	ev, err := current(thread, b)
	if err != nil {
		return nil, err
	}
	var (
		name string
		def  starlark.Value = starlark.Float(0)
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
		return nil, err
	}
	if v, ok := ev.view.Params[name]; ok {
		return starlark.Float(v), nil
	}
	return def, nil
}

func hostStep(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	ev, err := current(thread, b)
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt(ev.view.Step), nil
}

func hostBias(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	ev, err := current(thread, b)
	if err != nil {
		return nil, err
	}
	if ev.hook != hookBefore {
		return nil, fmt.Errorf("%s: only callable from %s", b.Name(), hookBefore)
	}
	var (
		id    int
		delta starlark.Value
	)
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &id, &delta); err != nil {
		return nil, err
	}
	if err := ev.checkToken(b, id); err != nil {
		return nil, err
	}
	d, ok := starlark.AsFloat(delta)
	if !ok {
		return nil, fmt.Errorf("%s: delta must be a number, got %s", b.Name(), delta.Type())
	}
	if ev.effect.Bias == nil {
		ev.effect.Bias = make(map[int]float32)
	}
	ev.effect.Bias[id] += float32(d)
	return starlark.None, nil
}

func hostBan(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	ev, err := current(thread, b)
	if err != nil {
		return nil, err
	}
	if ev.hook != hookBefore {
		return nil, fmt.Errorf("%s: only callable from %s", b.Name(), hookBefore)
	}
	var id int
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &id); err != nil {
		return nil, err
	}
	if err := ev.checkToken(b, id); err != nil {
		return nil, err
	}
	ev.effect.Banned = append(ev.effect.Banned, id)
	return starlark.None, nil
}

func hostStop(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	ev, err := current(thread, b)
	if err != nil {
		return nil, err
	}
	var reason string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "reason?", &reason); err != nil {
		return nil, err
	}
	ev.effect.Stop = true
	ev.effect.Reason = reason
	return starlark.None, nil
}
