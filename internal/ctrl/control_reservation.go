package ctrl

import (
	"fmt"

	"github.com/truenas/nvmeof-client/internal/dispatch"
	"github.com/truenas/nvmeof-client/internal/protocol"
)

// ReservationRegister registers, unregisters, or replaces a reservation
// key on nsid.
func (c *Controller) ReservationRegister(nsid uint32, action protocol.ReservationRegisterAction, currentKey, newKey uint64, ignoreExisting bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ioQ == nil {
		return fmt.Errorf("no io queue established")
	}
	keys := protocol.ReservationKeys{CurrentKey: currentKey, OtherKey: newKey}
	body := keys.Marshal()

	cmdID := c.ioQ.AllocateCmdID()
	capsule := protocol.NewCapsule(uint8(protocol.IOOpReservationRegister), cmdID, nsid).WithSGL(uint32(len(body)), protocol.SGLTypeDataBlockOut)
	capsule.CDW10 = protocol.ReservationRegisterCDW10(action, ignoreExisting)

	res, err := dispatch.Send(c.ioQ, capsule, body[:], dispatch.ResponseOnly, 0, c.params.Logger)
	if err != nil {
		return err
	}
	if status := protocol.DecodeStatus(res.Completion.Status); !status.IsSuccess() {
		return fmt.Errorf("reservation register nsid=%d: %s", nsid, status.Description)
	}
	return nil
}

// ReservationAcquire acquires or preempts a reservation on nsid.
func (c *Controller) ReservationAcquire(nsid uint32, action protocol.ReservationAcquireAction, rtype protocol.ReservationType, currentKey, preemptKey uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ioQ == nil {
		return fmt.Errorf("no io queue established")
	}
	keys := protocol.ReservationKeys{CurrentKey: currentKey, OtherKey: preemptKey}
	body := keys.Marshal()

	cmdID := c.ioQ.AllocateCmdID()
	capsule := protocol.NewCapsule(uint8(protocol.IOOpReservationAcquire), cmdID, nsid).WithSGL(uint32(len(body)), protocol.SGLTypeDataBlockOut)
	capsule.CDW10 = protocol.ReservationAcquireCDW10(action, rtype)

	res, err := dispatch.Send(c.ioQ, capsule, body[:], dispatch.ResponseOnly, 0, c.params.Logger)
	if err != nil {
		return err
	}
	if status := protocol.DecodeStatus(res.Completion.Status); !status.IsSuccess() {
		return fmt.Errorf("reservation acquire nsid=%d: %s", nsid, status.Description)
	}
	return nil
}

// ReservationRelease releases or clears a reservation on nsid.
func (c *Controller) ReservationRelease(nsid uint32, action protocol.ReservationReleaseAction, rtype protocol.ReservationType, currentKey uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ioQ == nil {
		return fmt.Errorf("no io queue established")
	}
	keys := protocol.ReservationKeys{CurrentKey: currentKey}
	full := keys.Marshal()
	body := full[:8] // Release carries CRKEY only

	cmdID := c.ioQ.AllocateCmdID()
	capsule := protocol.NewCapsule(uint8(protocol.IOOpReservationRelease), cmdID, nsid).WithSGL(uint32(len(body)), protocol.SGLTypeDataBlockOut)
	capsule.CDW10 = protocol.ReservationReleaseCDW10(action, rtype)

	res, err := dispatch.Send(c.ioQ, capsule, body, dispatch.ResponseOnly, 0, c.params.Logger)
	if err != nil {
		return err
	}
	if status := protocol.DecodeStatus(res.Completion.Status); !status.IsSuccess() {
		return fmt.Errorf("reservation release nsid=%d: %s", nsid, status.Description)
	}
	return nil
}

// ReservationReport fetches the reservation status data structure for
// nsid, parsing it with the extended (64-byte) registrant form when eds is
// set.
func (c *Controller) ReservationReport(nsid uint32, eds bool) (protocol.ReservationStatusHeader, []protocol.RegistrantEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ioQ == nil {
		return protocol.ReservationStatusHeader{}, nil, fmt.Errorf("no io queue established")
	}
	const length = 4096
	cmdID := c.ioQ.AllocateCmdID()
	capsule := protocol.NewCapsule(uint8(protocol.IOOpReservationReport), cmdID, nsid).WithSGL(length, protocol.SGLTypeDataBlock)
	capsule.CDW10 = uint32(length/4) - 1 // NUMD
	if eds {
		capsule.CDW11 = 1 // EDS
	}

	res, err := dispatch.Send(c.ioQ, capsule, nil, dispatch.DataThenResponse, length, c.params.Logger)
	if err != nil {
		return protocol.ReservationStatusHeader{}, nil, err
	}
	if status := protocol.DecodeStatus(res.Completion.Status); !status.IsSuccess() {
		return protocol.ReservationStatusHeader{}, nil, fmt.Errorf("reservation report nsid=%d: %s", nsid, status.Description)
	}
	hdr, err := protocol.ParseReservationStatusHeader(res.Data)
	if err != nil {
		return protocol.ReservationStatusHeader{}, nil, err
	}
	hdr.ExtendedData = eds
	regs, err := protocol.ParseRegistrants(res.Data[protocol.ReservationReportHeaderSize:], hdr.RegCount, eds)
	if err != nil {
		return hdr, nil, err
	}
	return hdr, regs, nil
}
