package tree

import (
	"testing"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"
)

func TestTree(t *testing.T) { RunTests(t) }

type TreeTest struct {
	clock timeutil.SimulatedClock
	tree  *Tree
}

func init() { RegisterTestSuite(&TreeTest{}) }

func (s *TreeTest) SetUp(ti *TestInfo) {
	s.clock = timeutil.SimulatedClock{}
	s.tree = New(&s.clock)
}

func (s *TreeTest) InsertPayloadCreatesIntermediateDirectories() {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()

	id, err := s.tree.InsertPayload("home/room/temp", []byte("22.5"))
	AssertEq(nil, err)

	homeID, err := s.tree.Locate("home")
	AssertEq(nil, err)
	home, _ := s.tree.Get(homeID)
	ExpectTrue(home.IsDir())

	roomID, err := s.tree.Locate("home/room")
	AssertEq(nil, err)
	room, _ := s.tree.Get(roomID)
	ExpectTrue(room.IsDir())

	tempID, err := s.tree.Locate("home/room/temp")
	AssertEq(nil, err)
	ExpectEq(id, tempID)

	temp, _ := s.tree.Get(tempID)
	ExpectFalse(temp.IsDir())
	ExpectEq("22.5", string(temp.Payload()))
}

func (s *TreeTest) InsertPayloadReplacesExistingPayload() {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()

	_, err := s.tree.InsertPayload("a/b", []byte("first"))
	AssertEq(nil, err)
	_, err = s.tree.InsertPayload("a/b", []byte("second"))
	AssertEq(nil, err)

	id, err := s.tree.Locate("a/b")
	AssertEq(nil, err)
	n, _ := s.tree.Get(id)
	ExpectEq("second", string(n.Payload()))
}

func (s *TreeTest) InsertPayloadThroughExistingFileFailsAndRollsBack() {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()

	_, err := s.tree.InsertPayload("a", []byte("leaf"))
	AssertEq(nil, err)

	_, err = s.tree.InsertPayload("a/b", []byte("nope"))
	ExpectEq(ErrNotDirectory, err)

	// "a" must still be a plain file with its original payload; nothing
	// rolled forward from the failed insert should remain visible.
	id, err := s.tree.Locate("a")
	AssertEq(nil, err)
	n, _ := s.tree.Get(id)
	ExpectFalse(n.IsDir())
	ExpectEq("leaf", string(n.Payload()))
}

func (s *TreeTest) InsertPayloadOntoExistingDirectoryFails() {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()

	_, err := s.tree.CreateEmpty(RootID, "d", true)
	AssertEq(nil, err)

	_, err = s.tree.InsertPayload("d", []byte("x"))
	ExpectEq(ErrIsDirectory, err)
}

func (s *TreeTest) WalkVisitsChildrenInSortedOrder() {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		_, err := s.tree.CreateEmpty(RootID, name, false)
		AssertEq(nil, err)
	}

	var seen []string
	err := s.tree.Walk(RootID, func(name string, id NodeID) {
		seen = append(seen, name)
	})
	AssertEq(nil, err)
	ExpectThat(seen, ElementsAre("alpha", "bravo", "charlie"))
}

func (s *TreeTest) RemoveDestroysSubtree() {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()

	_, err := s.tree.InsertPayload("a/b/c", []byte("x"))
	AssertEq(nil, err)

	err = s.tree.Remove(RootID, "a")
	AssertEq(nil, err)

	_, err = s.tree.Locate("a")
	ExpectEq(ErrNotFound, err)
}

func (s *TreeTest) RenameNoreplaceFailsWhenDestinationExists() {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()

	s.tree.InsertPayload("a", []byte("1"))
	s.tree.InsertPayload("b", []byte("2"))

	err := s.tree.Rename(RootID, "a", RootID, "b", true)
	ExpectEq(ErrExists, err)
}

func (s *TreeTest) RenameReplacesDestinationByDefault() {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()

	s.tree.InsertPayload("a", []byte("1"))
	s.tree.InsertPayload("b", []byte("2"))

	err := s.tree.Rename(RootID, "a", RootID, "b", false)
	AssertEq(nil, err)

	_, err = s.tree.Locate("a")
	ExpectEq(ErrNotFound, err)

	id, err := s.tree.Locate("b")
	AssertEq(nil, err)
	n, _ := s.tree.Get(id)
	ExpectEq("1", string(n.Payload()))
}

func (s *TreeTest) ExchangeSwapsContentNotIdentity() {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()

	aID, _ := s.tree.InsertPayload("a", []byte("A"))
	bID, _ := s.tree.InsertPayload("b", []byte("B"))

	err := s.tree.Exchange(RootID, "a", RootID, "b")
	AssertEq(nil, err)

	aNode, _ := s.tree.Get(aID)
	bNode, _ := s.tree.Get(bID)
	ExpectEq("B", string(aNode.Payload()))
	ExpectEq("A", string(bNode.Payload()))

	// Positions in the tree are unchanged: "/a" still names aID.
	locatedA, _ := s.tree.Locate("a")
	ExpectEq(aID, locatedA)
}

func (s *TreeTest) ExchangeRejectsKindMismatch() {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()

	s.tree.InsertPayload("a", []byte("A"))
	s.tree.CreateEmpty(RootID, "d", true)

	err := s.tree.Exchange(RootID, "a", RootID, "d")
	ExpectTrue(err == ErrIsDirectory || err == ErrNotDirectory)
}
