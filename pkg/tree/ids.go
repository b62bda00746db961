package tree

import (
	"encoding/json"

	"github.com/google/uuid"
)

type BranchID uuid.UUID

func (id BranchID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id))
}

func (id *BranchID) UnmarshalJSON(data []byte) error {
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = BranchID(u)
	return nil
}

func (id BranchID) String() string {
	return uuid.UUID(id).String()
}

func (id BranchID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

func NewBranchID() BranchID {
	return BranchID(uuid.New())
}

func ParseBranchID(s string) (BranchID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilBranch, err
	}
	return BranchID(u), nil
}

var NilBranch = BranchID(uuid.Nil)

type VersionID uuid.UUID

func (id VersionID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id))
}

func (id *VersionID) UnmarshalJSON(data []byte) error {
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = VersionID(u)
	return nil
}

func (id VersionID) String() string {
	return uuid.UUID(id).String()
}

func (id VersionID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

func NewVersionID() VersionID {
	return VersionID(uuid.New())
}

var NilVersion = VersionID(uuid.Nil)
