/*
Copyright The Volcano Authors.

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

package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/volcano-sh/usersandbox/pkg/cluster"
)

func service(name, clusterIP string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec:       corev1.ServiceSpec{ClusterIP: clusterIP},
	}
}

func TestResolver_Resolve(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		objects []runtime.Object
		wantIP  string
		wantErr error
	}{
		{
			name:    "ready",
			userID:  "alice",
			objects: []runtime.Object{service("usersvc-alice", "10.0.0.7")},
			wantIP:  "10.0.0.7",
		},
		{
			name:    "never provisioned",
			userID:  "bob",
			wantErr: ErrNeverProvisioned,
		},
		{
			name:    "no ip yet",
			userID:  "carol",
			objects: []runtime.Object{service("usersvc-carol", "")},
			wantErr: ErrNotReady,
		},
		{
			name:    "headless",
			userID:  "dave",
			objects: []runtime.Object{service("usersvc-dave", corev1.ClusterIPNone)},
			wantErr: ErrNotReady,
		},
		{
			name:    "invalid id",
			userID:  "Not_Valid",
			wantErr: ErrNeverProvisioned,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := fake.NewSimpleClientset(tt.objects...)
			r := NewResolver(cluster.NewK8sClientForClientset(cs, "default"))

			ip, err := r.Resolve(context.Background(), tt.userID)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantIP, ip)
		})
	}
}

func TestResolver_InvalidIDMakesNoCall(t *testing.T) {
	cs := fake.NewSimpleClientset()
	r := NewResolver(cluster.NewK8sClientForClientset(cs, "default"))

	_, err := r.Resolve(context.Background(), "")
	require.Error(t, err)
	assert.Empty(t, cs.Actions())
}

func TestResolver_ClusterError(t *testing.T) {
	cs := fake.NewSimpleClientset()
	cs.PrependReactor("get", "services", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewServiceUnavailable("api down")
	})
	r := NewResolver(cluster.NewK8sClientForClientset(cs, "default"))

	_, err := r.Resolve(context.Background(), "alice")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNeverProvisioned))
	assert.Equal(t, cluster.ReasonTransient, cluster.ReasonOf(err))
}
