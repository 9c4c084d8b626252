package payload_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nerc-ceh/iotswarm/payload"
	"github.com/nerc-ceh/iotswarm/source"
)

var _ = Describe("Passthrough", func() {
	It("wraps a single row as a Raw map", func() {
		r := source.Row{Columns: []source.Column{
			{Name: "SITE_ID", Value: "ALIC1"},
			{Name: "TEMP", Value: 12.5},
		}}

		env, err := payload.Passthrough{}.Format(r)
		Expect(err).NotTo(HaveOccurred())

		body, err := json.Marshal(env)
		Expect(err).NotTo(HaveOccurred())

		var got map[string]any
		Expect(json.Unmarshal(body, &got)).To(Succeed())
		Expect(got).To(HaveKeyWithValue("SITE_ID", "ALIC1"))
		Expect(got).To(HaveKeyWithValue("TEMP", 12.5))
	})

	It("wraps multiple rows as a list of Raw maps", func() {
		r1 := source.Row{Columns: []source.Column{{Name: "SITE_ID", Value: "ALIC1"}}}
		r2 := source.Row{Columns: []source.Column{{Name: "SITE_ID", Value: "MORLY"}}}

		env, err := payload.Passthrough{}.Format(r1, r2)
		Expect(err).NotTo(HaveOccurred())

		body, err := json.Marshal(env)
		Expect(err).NotTo(HaveOccurred())

		var got []map[string]any
		Expect(json.Unmarshal(body, &got)).To(Succeed())
		Expect(got).To(HaveLen(2))
		Expect(got[0]).To(HaveKeyWithValue("SITE_ID", "ALIC1"))
		Expect(got[1]).To(HaveKeyWithValue("SITE_ID", "MORLY"))
	})
})

var _ = Describe("Envelope.MarshalJSON", func() {
	It("serializes the head/data shape when Raw is unset", func() {
		env := payload.Envelope{
			Head: &payload.Head{Transaction: 1, Environment: payload.Environment{StationName: "ALIC1"}},
			Data: []payload.DataItem{{Time: "2025-01-01T00:00:00.000000", Vals: []any{1.0}}},
		}

		body, err := json.Marshal(env)
		Expect(err).NotTo(HaveOccurred())

		var got map[string]any
		Expect(json.Unmarshal(body, &got)).To(Succeed())
		Expect(got).To(HaveKey("head"))
		Expect(got).To(HaveKey("data"))
	})
})
