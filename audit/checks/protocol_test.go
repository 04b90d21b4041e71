/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package checks

import (
	"testing"

	"github.com/facebook/powerbench/descriptor"
	"github.com/stretchr/testify/require"
)

func protocolFixturePTDMessages() []descriptor.Message {
	return []descriptor.Message{
		{Cmd: "Hello", Reply: "Hello, PTDaemon here!"},
		{Cmd: "Identify", Reply: "WT310,version=1.2.3-rel"},
		{Cmd: "RR", Reply: "Ranges,0,5,0,120"},
		{Cmd: "SR,V,Auto", Reply: "OK"},
		{Cmd: "SR,A,Auto", Reply: "OK"},
		{Cmd: "Go,1000,0,sess_ranging", Reply: "OK"},
		{Cmd: "Stop", Reply: "OK"},
		{Cmd: "SR,V,120", Reply: "OK"},
		{Cmd: "SR,A,5.5", Reply: "OK"},
		{Cmd: "Go,1000,0,sess_testing", Reply: "OK"},
		{Cmd: "Stop", Reply: "OK"},
		{Cmd: "SR,V,120", Reply: "OK"},
		{Cmd: "SR,A,5", Reply: "OK"},
		{Cmd: "Stop", Reply: "Error: no measurement to stop"},
	}
}

func TestExpectedRepliesPasses(t *testing.T) {
	ctx := &Context{Server: &descriptor.Descriptor{PTDMessages: protocolFixturePTDMessages()}}
	require.NoError(t, ExpectedReplies{}.Run(ctx))
}

func TestExpectedRepliesRejectsUnexpectedReply(t *testing.T) {
	msgs := protocolFixturePTDMessages()
	msgs[5].Reply = "Error: busy"

	ctx := &Context{Server: &descriptor.Descriptor{PTDMessages: msgs}}
	err := ExpectedReplies{}.Run(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "expected reply")
}

func TestExpectedRepliesRejectsThirdStopNotErrored(t *testing.T) {
	msgs := protocolFixturePTDMessages()
	msgs[len(msgs)-1].Reply = "OK" // third Stop must be the already-stopped error

	ctx := &Context{Server: &descriptor.Descriptor{PTDMessages: msgs}}
	err := ExpectedReplies{}.Run(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), `occurrence 3 of "Stop"`)
}

func TestThirdRangeRestorePasses(t *testing.T) {
	ctx := &Context{Server: &descriptor.Descriptor{PTDMessages: protocolFixturePTDMessages()}}
	require.NoError(t, ThirdRangeRestore{}.Run(ctx))
}

func TestThirdRangeRestoreRejectsMismatchedThirdSRA(t *testing.T) {
	msgs := protocolFixturePTDMessages()
	for i, m := range msgs {
		if m.Cmd == "SR,A,5" {
			msgs[i].Cmd = "SR,A,9.9"
		}
	}

	ctx := &Context{Server: &descriptor.Descriptor{PTDMessages: msgs}}
	err := ThirdRangeRestore{}.Run(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "third SR,A command was")
}

func TestThirdRangeRestoreRejectsMismatchedThirdSRV(t *testing.T) {
	msgs := protocolFixturePTDMessages()
	for i, m := range msgs {
		if m.Cmd == "SR,V,120" && i > 10 {
			msgs[i].Cmd = "SR,V,999"
		}
	}

	ctx := &Context{Server: &descriptor.Descriptor{PTDMessages: msgs}}
	err := ThirdRangeRestore{}.Run(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "third SR,V command was")
}

func TestThirdRangeRestoreRejectsFewerThanThreeMessages(t *testing.T) {
	ctx := &Context{Server: &descriptor.Descriptor{PTDMessages: protocolFixturePTDMessages()[:2]}}
	err := ThirdRangeRestore{}.Run(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "fewer than 3 PTD messages recorded")
}

func TestThirdRangeRestoreRejectsMalformedRRReply(t *testing.T) {
	msgs := protocolFixturePTDMessages()
	msgs[2].Reply = "garbage"

	ctx := &Context{Server: &descriptor.Descriptor{PTDMessages: msgs}}
	err := ThirdRangeRestore{}.Run(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parsing third PTD message as RR reply")
}

func protocolMessagesFixture() (client, server []descriptor.Message) {
	handshake := descriptor.Message{Cmd: "<MAGIC_CLIENT>", Reply: "<MAGIC_SERVER>"}
	client = []descriptor.Message{
		handshake,
		{Cmd: "time", Reply: "1700000000"},
		{Cmd: "new,lbl,abc", Reply: "OK sess,def"},
	}
	server = append([]descriptor.Message{handshake}, client...)
	return client, server
}

func TestMessagesPrefixPasses(t *testing.T) {
	client, server := protocolMessagesFixture()
	ctx := &Context{
		Client: &descriptor.Descriptor{Messages: client},
		Server: &descriptor.Descriptor{Messages: server},
	}
	require.NoError(t, MessagesPrefix{}.Run(ctx))
}

func TestMessagesPrefixRejectsLengthMismatch(t *testing.T) {
	client, server := protocolMessagesFixture()
	client = append(client, descriptor.Message{Cmd: "extra", Reply: "OK"})
	ctx := &Context{
		Client: &descriptor.Descriptor{Messages: client},
		Server: &descriptor.Descriptor{Messages: server},
	}
	err := MessagesPrefix{}.Run(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "len(client.messages)")
}

func TestMessagesPrefixRejectsCmdMismatch(t *testing.T) {
	client, server := protocolMessagesFixture()
	client[1].Cmd = "different"
	ctx := &Context{
		Client: &descriptor.Descriptor{Messages: client},
		Server: &descriptor.Descriptor{Messages: server},
	}
	err := MessagesPrefix{}.Run(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "client cmd")
}

func TestMessagesPrefixRejectsReplyMismatchOnNonTimeCommand(t *testing.T) {
	client, server := protocolMessagesFixture()
	client[2].Reply = "tampered reply"
	ctx := &Context{
		Client: &descriptor.Descriptor{Messages: client},
		Server: &descriptor.Descriptor{Messages: server},
	}
	err := MessagesPrefix{}.Run(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "client reply")
}

func TestMessagesPrefixToleratesReplyMismatchOnTimeCommand(t *testing.T) {
	client, server := protocolMessagesFixture()
	client[1].Reply = "1800000000" // "time" replies are allowed to differ
	ctx := &Context{
		Client: &descriptor.Descriptor{Messages: client},
		Server: &descriptor.Descriptor{Messages: server},
	}
	require.NoError(t, MessagesPrefix{}.Run(ctx))
}
