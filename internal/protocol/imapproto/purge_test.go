package imapproto

import (
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePurgeSession struct {
	uidplus  bool
	selected string
	stored   []*imap.SeqSet
	expunged []*imap.SeqSet
}

func (f *fakePurgeSession) Select(name string, readOnly bool) (*imap.MailboxStatus, error) {
	f.selected = name
	return &imap.MailboxStatus{Name: name}, nil
}

func (f *fakePurgeSession) UidStore(seqSet *imap.SeqSet, item imap.StoreItem, flags interface{}, ch chan *imap.Message) error {
	f.stored = append(f.stored, seqSet)
	return nil
}

func (f *fakePurgeSession) SupportUidPlus() (bool, error) {
	return f.uidplus, nil
}

func (f *fakePurgeSession) UidExpunge(seqSet *imap.SeqSet, ch chan uint32) error {
	f.expunged = append(f.expunged, seqSet)
	if ch != nil {
		close(ch)
	}
	return nil
}

func Test_PurgeMessage_ExpungesOnlyTheTargetUID(t *testing.T) {
	sess := &fakePurgeSession{uidplus: true}

	require.NoError(t, purgeMessage(sess, "INBOX", 42))

	assert.Equal(t, "INBOX", sess.selected)
	require.Len(t, sess.stored, 1)
	assert.Equal(t, "42", sess.stored[0].String())
	require.Len(t, sess.expunged, 1)
	assert.Equal(t, "42", sess.expunged[0].String(), "only the requested UID is expunged")
}

func Test_PurgeMessage_RefusesWithoutUidPlus(t *testing.T) {
	sess := &fakePurgeSession{uidplus: false}

	err := purgeMessage(sess, "INBOX", 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UIDPLUS")
	assert.Empty(t, sess.stored, "no message is flagged deleted")
	assert.Empty(t, sess.expunged, "a folder-wide expunge is never issued")
}
