package sandbox

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	"github.com/R3E-Network/confidential-runtime/gas"
	"github.com/R3E-Network/confidential-runtime/tee/types"
)

// installBindings wires the only surface a script may call: console.log,
// getSecret, verifyData, generateRandomBytes, and gas-charging timer
// wrappers, per §4.6.
func (c *Context) installBindings() error {
	if err := c.installConsole(); err != nil {
		return err
	}
	if err := c.installSecrets(); err != nil {
		return err
	}
	if err := c.installCrypto(); err != nil {
		return err
	}
	return c.installTimers()
}

func (c *Context) installConsole() error {
	console := c.vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		if err := c.meter.Charge(gas.BasicOpCost); err != nil {
			panic(c.vm.ToValue(err.Error()))
		}
		c.profile("console.log", gas.BasicOpCost)
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.Export()
		}
		c.logs = append(c.logs, fmt.Sprint(args...))
		return goja.Undefined()
	}
	if err := console.Set("log", logFn); err != nil {
		return err
	}
	return c.vm.Set("console", console)
}

// installSecrets wires getSecret(name) -> string, resolving through the
// Secret Manager for the request's user-id. The plaintext handed to the
// interpreter is a copy (goja strings are immutable and GC-managed, so it
// cannot be zeroed on our schedule once it crosses into JS-land); the
// Manager itself still zeroes its own internal copy immediately after this
// callback returns, per the zero-after-use contract.
func (c *Context) installSecrets() error {
	getSecret := func(call goja.FunctionCall) goja.Value {
		if err := c.meter.Charge(gas.CryptoOpCost); err != nil {
			panic(c.vm.ToValue(err.Error()))
		}
		c.profile("getSecret", gas.CryptoOpCost)
		if len(call.Arguments) == 0 {
			panic(c.vm.ToValue("getSecret: name is required"))
		}
		name := call.Arguments[0].String()

		if c.cfg.Secrets == nil {
			panic(c.vm.ToValue(types.ErrNotFound.Error()))
		}

		var out string
		err := c.cfg.Secrets.Use(context.Background(), c.cfg.UserID, name, func(plaintext []byte) error {
			out = string(plaintext)
			return nil
		})
		if err != nil {
			panic(c.vm.ToValue(fmt.Sprintf("getSecret: %v", err)))
		}
		return c.vm.ToValue(out)
	}
	return c.vm.Set("getSecret", getSecret)
}

// installCrypto wires verifyData(data, signature) -> bool and
// generateRandomBytes(n) -> bytes (as a hex string, since goja has no
// native byte-slice type scripts can consume directly).
func (c *Context) installCrypto() error {
	verifyData := func(call goja.FunctionCall) goja.Value {
		if err := c.meter.Charge(gas.CryptoOpCost); err != nil {
			panic(c.vm.ToValue(err.Error()))
		}
		c.profile("verifyData", gas.CryptoOpCost)
		if len(call.Arguments) < 2 {
			panic(c.vm.ToValue("verifyData: data and signature are required"))
		}
		if c.cfg.Runtime == nil {
			panic(c.vm.ToValue("verifyData: no runtime bound"))
		}
		data := []byte(call.Arguments[0].String())
		sig := []byte(call.Arguments[1].String())
		ok, err := c.cfg.Runtime.VerifySignature(data, sig)
		if err != nil {
			panic(c.vm.ToValue(fmt.Sprintf("verifyData: %v", err)))
		}
		return c.vm.ToValue(ok)
	}
	if err := c.vm.Set("verifyData", verifyData); err != nil {
		return err
	}

	generateRandomBytes := func(call goja.FunctionCall) goja.Value {
		n := 32
		if len(call.Arguments) > 0 {
			n = int(call.Arguments[0].ToInteger())
		}
		if n < 0 {
			n = 0
		}
		if n > 4096 {
			n = 4096
		}
		cost := gas.GenerateRandomCost(n)
		if err := c.meter.Charge(cost); err != nil {
			panic(c.vm.ToValue(err.Error()))
		}
		c.profile("generateRandomBytes", cost)
		if c.cfg.Runtime == nil {
			panic(c.vm.ToValue("generateRandomBytes: no runtime bound"))
		}
		b, err := c.cfg.Runtime.GenerateRandom(n)
		if err != nil {
			panic(c.vm.ToValue(fmt.Sprintf("generateRandomBytes: %v", err)))
		}
		return c.vm.ToValue(fmt.Sprintf("%x", b))
	}
	return c.vm.Set("generateRandomBytes", generateRandomBytes)
}

// installTimers replaces setTimeout/setInterval with wrappers that charge
// gas on arm and queue the callback to fire once, synchronously, after the
// entry point returns — this execution model is one-shot request/response,
// not an event loop, so "fire" happens at the one point deferred work can
// safely run without leaking a background goroutine past the request.
func (c *Context) installTimers() error {
	arm := func(call goja.FunctionCall) goja.Value {
		if err := c.meter.Charge(gas.TimerArmCost); err != nil {
			panic(c.vm.ToValue(err.Error()))
		}
		c.profile("setTimeout/setInterval", gas.TimerArmCost)
		if len(call.Arguments) == 0 {
			return c.vm.ToValue(0)
		}
		fn, ok := goja.AssertFunction(call.Arguments[0])
		if !ok {
			return c.vm.ToValue(0)
		}
		c.pendingTimers = append(c.pendingTimers, fn)
		return c.vm.ToValue(len(c.pendingTimers))
	}
	if err := c.vm.Set("setTimeout", arm); err != nil {
		return err
	}
	if err := c.vm.Set("setInterval", arm); err != nil {
		return err
	}
	clear := func(call goja.FunctionCall) goja.Value { return goja.Undefined() }
	if err := c.vm.Set("clearTimeout", clear); err != nil {
		return err
	}
	return c.vm.Set("clearInterval", clear)
}

// drainTimers fires every queued timer callback in arm order, charging the
// fire cost for each, stopping early if the meter locks out.
func (c *Context) drainTimers() {
	for _, fn := range c.pendingTimers {
		if c.meter.LockedOut() {
			return
		}
		if err := c.meter.Charge(gas.TimerFireCost); err != nil {
			return
		}
		if _, err := fn(goja.Undefined()); err != nil {
			c.logs = append(c.logs, fmt.Sprintf("timer callback error: %v", err))
		}
	}
	c.pendingTimers = nil
}
