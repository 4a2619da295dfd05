package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/diegous2023/gestorgastos/internal/autherr"
	"github.com/diegous2023/gestorgastos/internal/sessiontrust"
)

const maxPinAttempts = 3

func (c command) login(ctx context.Context, args []string) error {
	var remember bool
	fs := pflag.NewFlagSet("login", pflag.ContinueOnError)
	fs.BoolVar(&remember, "remember", false, "remember this device and skip the PIN next time")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: gestor login <email> [--remember]")
	}

	// A session left over from an earlier run is ended first.
	if _, ok := c.trust.Session(); ok {
		if err := c.o.Resume(ctx); err == nil {
			c.o.Logout(ctx)
		}
		c.trust.ClearSession()
	}

	if err := c.o.Login(ctx, fs.Arg(0)); err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		snap := c.o.Snapshot()
		if snap.State == sessiontrust.StateActive {
			c.printActive(snap)
			return nil
		}
		if snap.State != sessiontrust.StatePinPending {
			return autherr.ErrSessionInvalidated
		}

		err := c.submitPin(ctx, snap.Pin.Mode, remember)
		if err == nil {
			continue
		}
		if autherr.KindOf(err) != autherr.KindCredential || attempt >= maxPinAttempts {
			c.o.Logout(ctx)
			return err
		}
		fmt.Fprintf(c.out, "%s\n", autherr.Message(err))
	}
}

func (c command) submitPin(ctx context.Context, mode sessiontrust.PinMode, remember bool) error {
	if mode == sessiontrust.PinModeCreate {
		pin, err := readPIN("Choose a 4 digit PIN: ")
		if err != nil {
			return err
		}
		confirm, err := readPIN("Repeat the PIN: ")
		if err != nil {
			return err
		}
		return c.o.CreatePin(ctx, pin, confirm, remember)
	}
	pin, err := readPIN("PIN: ")
	if err != nil {
		return err
	}
	return c.o.VerifyPin(ctx, pin, remember)
}

func (c command) printActive(snap sessiontrust.Snapshot) {
	suffix := ""
	if snap.FastPath {
		suffix = " (remembered device)"
	}
	fmt.Fprintf(c.out, "Logged in as %s <%s>%s\n", snap.Name, snap.Email, suffix)
}

func (c command) logout(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("logout takes no arguments")
	}
	if _, ok := c.trust.Session(); !ok {
		fmt.Fprintln(c.out, "Not logged in")
		return nil
	}
	if err := c.o.Resume(ctx); err != nil {
		// Offline or already invalid: the local session goes either way.
		c.trust.ClearSession()
		fmt.Fprintln(c.out, "Logged out")
		return nil
	}
	if err := c.o.Logout(ctx); err != nil {
		c.logger.Warn("server logout failed", "error", err)
	}
	fmt.Fprintln(c.out, "Logged out")
	return nil
}

func (c command) status(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("status takes no arguments")
	}
	if err := c.resume(ctx); err != nil {
		return err
	}
	snap := c.o.Snapshot()
	if snap.State != sessiontrust.StateActive {
		fmt.Fprintln(c.out, "Not logged in")
		return nil
	}
	fmt.Fprintf(c.out, "Logged in as %s <%s>, revision %d\n", snap.Name, snap.Email, snap.Revision)
	if c.trust.Get(snap.Email) {
		fmt.Fprintln(c.out, "This device is remembered")
	}
	return nil
}

// watch keeps the session open until it is invalidated or interrupted.
func (c command) watch(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("watch takes no arguments")
	}
	if err := c.resume(ctx); err != nil {
		return err
	}
	snap := c.o.Snapshot()
	if snap.State != sessiontrust.StateActive {
		return fmt.Errorf("not logged in")
	}
	fmt.Fprintf(c.out, "Watching session of %s, press Ctrl+C to stop\n", snap.Email)

	select {
	case reason := <-c.invalidated:
		fmt.Fprintf(c.out, "Session ended: %v\n", reason)
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (c command) forgetDevice(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("forget-device takes no arguments")
	}
	if err := c.o.ForgetDevice(); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "Device forgotten")
	return nil
}

// resume restores the stored session, reporting invalidation to the user.
func (c command) resume(ctx context.Context) error {
	err := c.o.Resume(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, autherr.ErrSessionInvalidated) {
		fmt.Fprintf(c.out, "Session ended: %v\n", err)
		return nil
	}
	return err
}
