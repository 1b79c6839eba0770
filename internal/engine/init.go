package engine

import (
	"github.com/behrlich/blkmig/internal/interfaces"
	"github.com/behrlich/blkmig/internal/wire"
)

// Init registers every writable device from the hypervisor's device
// iterator, pins it, allocates its AIO bitmap, writes a negotiation
// record per device, and logs a start-of-migration banner
// distinguishing shared-base from full migration (SPEC_FULL.md §4
// supplemented feature; spec §4.3 Init, §6 stage 1).
//
// Unlike the reviewed source's block_save_live, which writes an EOS
// immediately after negotiation to close out the stage-1 QEMUFile
// call before handing bulk/dirty streaming off to a separate
// master-thread socket, this module's Reassembler reads negotiation,
// data, and progress records off one continuous stream. The caller
// that drives Iterate to completion is responsible for writing the
// single terminal EOS once all stages have finished (spec §6: "EOS:
// end-of-stream marker").
func (e *EngineState) Init(devices []interfaces.BlockDevice, stream interfaces.Stream) error {
	for _, backing := range devices {
		dev := e.RegisterDevice(backing)

		if e.Logger != nil {
			kind := "full"
			if dev.sharedBase {
				kind = "shared-base"
			}
			e.Logger.Printf("Starting %s block migration of device %q (%d sectors)", kind, backing.Name(), dev.TotalSectors)
		}

		if err := wire.EncodeNegotiation(stream, backing.Name(), dev.TotalSectors); err != nil {
			return err
		}
	}

	return nil
}
