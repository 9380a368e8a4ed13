package mac

import "github.com/brocaar/lorawan"

// registerMulticast installs devAddr/keys into groupID's slot: an
// already-registered slot for the same group id is replaced in place,
// otherwise the first inactive slot is claimed. spec.md §9's redesign
// flag caps the registry at MaxMulticast fixed slots rather than a
// linked list, so once every slot is active and none matches groupID
// registration is rejected — the caller must RemoveMulticast an unused
// group first.
func (d *Device) registerMulticast(groupID uint8, devAddr lorawan.DevAddr, nwkSKey, appSKey lorawan.AES128Key) error {
	for i := range d.multicast {
		if d.multicast[i].Active && d.multicast[i].GroupID == groupID {
			d.multicast[i] = MulticastEntry{GroupID: groupID, DevAddr: devAddr, NwkSKey: nwkSKey, AppSKey: appSKey, Active: true}
			return nil
		}
	}
	for i := range d.multicast {
		if !d.multicast[i].Active {
			d.multicast[i] = MulticastEntry{GroupID: groupID, DevAddr: devAddr, NwkSKey: nwkSKey, AppSKey: appSKey, Active: true}
			return nil
		}
	}
	return ErrParameterInvalid
}

// removeMulticast deactivates a registered group, freeing its slot.
func (d *Device) removeMulticast(groupID uint8) error {
	for i := range d.multicast {
		if d.multicast[i].Active && d.multicast[i].GroupID == groupID {
			d.multicast[i] = MulticastEntry{}
			return nil
		}
	}
	return ErrParameterInvalid
}

// matchMulticast returns the index of the active entry whose DevAddr
// matches, if any.
func (d *Device) matchMulticast(devAddr lorawan.DevAddr) (int, bool) {
	for i := range d.multicast {
		if d.multicast[i].Active && d.multicast[i].DevAddr == devAddr {
			return i, true
		}
	}
	return 0, false
}
