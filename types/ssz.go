package types

import (
	ssz "github.com/ferranbt/fastssz"
)

const (
	// maxConstraintsPerSlot bounds the constraints list for merkleization.
	maxConstraintsPerSlot = 256
	// maxBytesPerTransaction matches the consensus-layer transaction bound.
	maxBytesPerTransaction = 1073741824 // 2**30
)

// HashTreeRoot ssz hashes the ConstraintsMessage object
func (m *ConstraintsMessage) HashTreeRoot() ([32]byte, error) {
	hh := ssz.NewHasher()
	if err := m.HashTreeRootWith(hh); err != nil {
		return [32]byte{}, err
	}
	return hh.HashRoot()
}

// HashTreeRootWith ssz hashes the ConstraintsMessage object with a hasher
func (m *ConstraintsMessage) HashTreeRootWith(hh ssz.HashWalker) (err error) {
	indx := hh.Index()

	// Field (0) 'ValidatorIndex'
	hh.PutUint64(m.ValidatorIndex)

	// Field (1) 'Slot'
	hh.PutUint64(m.Slot)

	// Field (2) 'Constraints'
	{
		subIndx := hh.Index()
		num := uint64(len(m.Constraints))
		if num > maxConstraintsPerSlot {
			err = ssz.ErrIncorrectListSize
			return
		}
		for _, elem := range m.Constraints {
			if err = elem.HashTreeRootWith(hh); err != nil {
				return
			}
		}
		hh.MerkleizeWithMixin(subIndx, num, maxConstraintsPerSlot)
	}

	hh.Merkleize(indx)
	return
}

// HashTreeRoot ssz hashes the Constraint object
func (c *Constraint) HashTreeRoot() ([32]byte, error) {
	hh := ssz.NewHasher()
	if err := c.HashTreeRootWith(hh); err != nil {
		return [32]byte{}, err
	}
	return hh.HashRoot()
}

// HashTreeRootWith ssz hashes the Constraint object with a hasher
func (c *Constraint) HashTreeRootWith(hh ssz.HashWalker) (err error) {
	indx := hh.Index()

	// Field (0) 'Tx'
	{
		elemIndx := hh.Index()
		byteLen := uint64(len(c.Tx))
		if byteLen > maxBytesPerTransaction {
			err = ssz.ErrIncorrectListSize
			return
		}
		hh.AppendBytes32(c.Tx)
		hh.MerkleizeWithMixin(elemIndx, byteLen, (maxBytesPerTransaction+31)/32)
	}

	// Field (1) 'Index'
	// An absent index merkleizes as zero.
	if c.Index == nil {
		hh.PutUint64(0)
	} else {
		hh.PutUint64(*c.Index)
	}

	hh.Merkleize(indx)
	return
}
