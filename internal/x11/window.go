package x11

import (
	"fmt"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil/ewmh"
	"github.com/BurntSushi/xgbutil/icccm"
	"github.com/BurntSushi/xgbutil/xwindow"
)

// sourceIndication marks client messages as a direct user action so window
// managers honor them.
const sourceIndication = 2

// sendRootMessage posts an EWMH client message about win to the root window.
// The message is built by hand because the xgbutil request helpers panic on
// this library version (uint vs int type assertion).
func (c *Connection) sendRootMessage(win xproto.Window, atom string, data ...uint32) error {
	reply, err := xproto.InternAtom(c.XUtil.Conn(), false, uint16(len(atom)), atom).Reply()
	if err != nil {
		return fmt.Errorf("intern %s: %w", atom, err)
	}
	payload := make([]uint32, 5)
	copy(payload, data)
	ev := xproto.ClientMessageEvent{
		Format: 32,
		Window: win,
		Type:   reply.Atom,
		Data:   xproto.ClientMessageDataUnionData32New(payload),
	}
	return xproto.SendEventChecked(
		c.XUtil.Conn(),
		false,
		c.Root,
		xproto.EventMaskSubstructureRedirect|xproto.EventMaskSubstructureNotify,
		string(ev.Bytes()),
	).Check()
}

// fixSize asks the window manager to keep win at exactly width x height.
// A resized window would scale the frames instead of showing them 1:1.
func (c *Connection) fixSize(win xproto.Window, width, height int) error {
	hints := &icccm.NormalHints{
		Flags:     icccm.SizeHintPMinSize | icccm.SizeHintPMaxSize,
		MinWidth:  uint(width),
		MinHeight: uint(height),
		MaxWidth:  uint(width),
		MaxHeight: uint(height),
	}
	if err := icccm.WmNormalHintsSet(c.XUtil, win, hints); err != nil {
		return fmt.Errorf("set size hints: %w", err)
	}
	return nil
}

// raise moves win to the current desktop, restores its geometry and
// activates it.
func (c *Connection) raise(win *xwindow.Window, x, y, width, height int) error {
	if desktop, err := ewmh.CurrentDesktopGet(c.XUtil); err == nil {
		if err := c.sendRootMessage(win.Id, "_NET_WM_DESKTOP", uint32(desktop), sourceIndication); err != nil {
			return err
		}
	}
	if err := ewmh.MoveresizeWindow(c.XUtil, win.Id, x, y, width, height); err != nil {
		// Window managers without _NET_MOVERESIZE_WINDOW.
		win.MoveResize(x, y, width, height)
	}
	return c.sendRootMessage(win.Id, "_NET_ACTIVE_WINDOW", sourceIndication)
}
